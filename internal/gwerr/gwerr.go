// Package gwerr defines the gateway's error taxonomy.
//
// Every failure the gateway surfaces is a *Error with a Kind. Callers
// classify errors with errors.Is against the exported sentinels, e.g.
//
//	if errors.Is(err, gwerr.ErrPollingTimeout) { ... }
//
// and reach the details (HTTP status, upstream body) with errors.As.
package gwerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error. The string values are stable and appear in
// API error bodies and metric labels.
type Kind string

const (
	KindMalformedIdentifier   Kind = "malformed_identifier"
	KindUnknownProvider       Kind = "unknown_provider"
	KindOperationNotSupported Kind = "operation_not_supported"
	KindMissingCredential     Kind = "missing_credential"
	KindUpstreamHTTP          Kind = "upstream_http_error"
	KindUpstreamProtocol      Kind = "upstream_protocol_error"
	KindPollingTimeout        Kind = "polling_timeout"
	KindPollingMaxAttempts    Kind = "polling_max_attempts"
	KindCancelled             Kind = "cancelled"
	KindInvalidArgument       Kind = "invalid_argument"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrMalformedIdentifier   = &Error{Kind: KindMalformedIdentifier}
	ErrUnknownProvider       = &Error{Kind: KindUnknownProvider}
	ErrOperationNotSupported = &Error{Kind: KindOperationNotSupported}
	ErrMissingCredential     = &Error{Kind: KindMissingCredential}
	ErrUpstreamHTTP          = &Error{Kind: KindUpstreamHTTP}
	ErrUpstreamProtocol      = &Error{Kind: KindUpstreamProtocol}
	ErrPollingTimeout        = &Error{Kind: KindPollingTimeout}
	ErrPollingMaxAttempts    = &Error{Kind: KindPollingMaxAttempts}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument}
)

// Error is the gateway's error type.
type Error struct {
	Kind Kind

	// Provider and Op name where the error happened, when known.
	Provider string
	Op       string

	// Status and Body are set for KindUpstreamHTTP.
	Status int
	Body   string

	// Message is a human-readable detail (the "reason" for protocol errors).
	Message string

	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		if e.Op != "" {
			b.WriteString(".")
			b.WriteString(e.Op)
		}
		b.WriteString(": ")
	} else if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error of the same Kind. This is what
// makes the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NotSupported is returned by provider handles for operations the vendor
// does not implement.
func NotSupported(provider, op string) *Error {
	return &Error{Kind: KindOperationNotSupported, Provider: provider, Op: op}
}

// MissingCredential is returned when no credential resolves for provider.
func MissingCredential(provider string) *Error {
	return &Error{Kind: KindMissingCredential, Provider: provider, Message: "no credential configured"}
}

// UpstreamHTTP records a non-2xx vendor response.
func UpstreamHTTP(provider string, status int, body string) *Error {
	return &Error{Kind: KindUpstreamHTTP, Provider: provider, Status: status, Body: body}
}

// Protocol records an upstream payload the gateway could not interpret.
func Protocol(provider, reason string) *Error {
	return &Error{Kind: KindUpstreamProtocol, Provider: provider, Message: reason}
}

// Cancelled wraps a context error.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Cause: cause}
}

// FromContext returns a Cancelled error if ctx is done, nil otherwise.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	return nil
}

// KindOf returns the Kind of err, or "" if err is not a gateway error.
// Bare context errors classify as KindCancelled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return ""
}

// HTTPStatus maps an error to the status the HTTP API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedIdentifier, KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnknownProvider:
		return http.StatusNotFound
	case KindOperationNotSupported:
		return http.StatusNotImplemented
	case KindMissingCredential:
		return http.StatusUnauthorized
	case KindUpstreamHTTP, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindPollingTimeout, KindPollingMaxAttempts:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// nginx's "client closed request"; there is no stdlib constant.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
