// Package transport is the HTTP layer shared by every provider handle.
//
// One Client is built per configured provider at startup and never
// modified afterwards. Credentials are not part of the Client: each call
// passes the credential it resolved, and the Client attaches it to that
// call's request only. Two concurrent calls with different credentials
// therefore never see each other's key.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/metrics"
)

// AuthScheme is how a vendor expects its credential.
type AuthScheme int

const (
	// AuthBearer sends "Authorization: Bearer <credential>".
	AuthBearer AuthScheme = iota
	// AuthHeader sends the credential verbatim in the header Auth.Name.
	AuthHeader
	// AuthQuery sends the credential as the query parameter Auth.Name.
	AuthQuery
	// AuthNone sends nothing (local runtimes such as Ollama).
	AuthNone
)

// Auth describes the credential decoration of one vendor.
type Auth struct {
	Scheme AuthScheme
	Name   string
}

// Bearer is the common "Authorization: Bearer" decoration.
var Bearer = Auth{Scheme: AuthBearer}

// Header returns a decoration that puts the credential in header name.
func Header(name string) Auth { return Auth{Scheme: AuthHeader, Name: name} }

// Query returns a decoration that puts the credential in query param name.
func Query(name string) Auth { return Auth{Scheme: AuthQuery, Name: name} }

// errorBodyLimit caps how much of a failed response is kept in the error.
const errorBodyLimit = 64 << 10

// Config describes one Client.
type Config struct {
	// Provider names the vendor in errors and metrics.
	Provider string
	BaseURL  string
	Auth     Auth

	// Headers are sent on every request (API version pins and the like).
	Headers map[string]string

	// Timeout bounds non-streaming calls end to end, and streaming calls
	// until the response headers arrive. Zero means no bound.
	Timeout time.Duration

	// RateLimit is the sustained requests per second allowed towards this
	// vendor; zero disables limiting. Burst defaults to 1.
	RateLimit float64
	Burst     int

	// HTTPClient overrides the default client (tests, recorded fixtures).
	HTTPClient *http.Client

	Metrics *metrics.Collector
}

// Client is an immutable, concurrency-safe vendor endpoint.
type Client struct {
	provider string
	baseURL  string
	auth     Auth
	headers  map[string]string
	timeout  time.Duration
	limiter  *rate.Limiter
	http     *http.Client
	metrics  *metrics.Collector
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = cfg.Timeout
		hc = &http.Client{Transport: tr}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		provider: cfg.Provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		auth:     cfg.Auth,
		headers:  maps.Clone(cfg.Headers),
		timeout:  cfg.Timeout,
		limiter:  limiter,
		http:     hc,
		metrics:  cfg.Metrics,
	}
}

// Provider returns the vendor name the client reports under.
func (c *Client) Provider() string { return c.provider }

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Request is one outbound call.
type Request struct {
	Method string
	// Path is appended to the base URL; empty means the base URL itself.
	// An absolute URL is used as is (vendors that hand out polling URLs).
	Path   string
	Query  url.Values
	Header http.Header

	Body        io.Reader
	ContentType string

	// Credential is attached according to the client's Auth. Empty means
	// the call goes out undecorated.
	Credential string
}

// Do sends req and returns the response if the vendor answered 2xx. Any
// other status is drained into a *gwerr.Error of KindUpstreamHTTP. The
// caller owns the returned body.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	if err := gwerr.FromContext(ctx); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := gwerr.FromContext(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%s: rate limiter: %w", c.provider, err)
		}
	}

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.UpstreamRequest(c.provider, 0, time.Since(start))
		if ctxErr := gwerr.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("sending request to %s: %w", c.provider, redact(err, req.Credential))
	}
	c.metrics.UpstreamRequest(c.provider, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, upstreamError(c.provider, resp.StatusCode, body)
	}
	return resp, nil
}

// JSON sends in as a JSON body (nil for none) and decodes a 2xx response
// into out (nil to discard it). The whole exchange runs under Call.
func (c *Client) JSON(ctx context.Context, method, path, credential string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	return c.Call(ctx, func(ctx context.Context) error {
		resp, err := c.Do(ctx, Request{
			Method:      method,
			Path:        path,
			Body:        body,
			ContentType: "application/json",
			Credential:  credential,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if ctxErr := gwerr.FromContext(ctx); ctxErr != nil {
				return ctxErr
			}
			return gwerr.Protocol(c.provider, fmt.Sprintf("decoding response: %v", err))
		}
		return nil
	})
}

// Call runs fn with ctx bounded by the client's Timeout. Handles that read
// a non-JSON answer themselves (raw audio, multipart uploads) wrap their
// Do and body read in it so they get the same bound JSON does.
//
// The timeout firing while ctx is still alive is reported as an
// UpstreamHTTP failure of the vendor; ctx itself ending stays Cancelled.
func (c *Client) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, gwerr.ErrCancelled) {
		e := gwerr.Wrap(gwerr.KindUpstreamHTTP, callCtx.Err(), "no response within %s", c.timeout)
		e.Provider = c.provider
		return e
	}
	return err
}

// Stream sends in as a JSON body and returns the open response body for a
// stream normalizer to consume. The body outlives this call; ctx must stay
// alive for as long as the stream is read.
func (c *Client) Stream(ctx context.Context, path, credential string, in any) (io.ReadCloser, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        bytes.NewReader(b),
		ContentType: "application/json",
		Header:      http.Header{"Accept": {"text/event-stream"}},
		Credential:  credential,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// build assembles the outbound request. Everything per call, including the
// credential, is set here on a fresh *http.Request.
func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	target := req.Path
	switch {
	case target == "":
		target = c.baseURL
	case !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://"):
		target = c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInvalidArgument, err, "building %s url", c.provider)
	}

	q := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if req.Credential != "" && c.auth.Scheme == AuthQuery {
		q.Set(c.auth.Name, req.Credential)
	}
	u.RawQuery = q.Encode()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	if req.ContentType != "" && req.Body != nil {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	if req.Credential != "" {
		switch c.auth.Scheme {
		case AuthBearer:
			httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
		case AuthHeader:
			httpReq.Header.Set(c.auth.Name, req.Credential)
		}
	}
	return httpReq, nil
}

// upstreamError builds the error for a non-2xx response, pulling the
// vendor's message out of the common error envelopes.
func upstreamError(provider string, status int, body []byte) *gwerr.Error {
	err := gwerr.UpstreamHTTP(provider, status, string(body))
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error", "detail", "0.error.message"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
				err.Message = r.String()
				break
			}
		}
	}
	if err.Message == "" {
		err.Message = http.StatusText(status)
	}
	return err
}

// redact strips the credential from transport errors; url.Error embeds the
// full request URL, which carries the key for query-authenticated vendors.
func redact(err error, credential string) error {
	if credential == "" || !strings.Contains(err.Error(), credential) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), credential, "REDACTED"))
}

// MergeOptions overlays caller-supplied vendor options onto a payload.
// The payload is round-tripped through JSON so option keys address wire
// field names; options win on conflict. With no options the payload is
// returned unchanged.
func MergeOptions(payload any, options map[string]any) (any, error) {
	if len(options) == 0 {
		return payload, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	maps.Copy(merged, options)
	return merged, nil
}
