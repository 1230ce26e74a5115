package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/metrics"
)

// Family names the upstream protocol family a normalizer handles. It is
// also the "family" label on the stream metrics.
type Family string

const (
	FamilyDelta     Family = "delta"
	FamilySequenced Family = "sequenced"
	FamilyUIPart    Family = "uipart"
)

// Options configures one normalizer run.
type Options struct {
	// Provider names the vendor in errors and metrics.
	Provider string

	// Framing is how the upstream body is split into payloads.
	Framing Framing

	// Metrics is optional.
	Metrics *metrics.Collector
}

// session is the state of one streaming call: the local sequence counter,
// the tool-call accumulation buffer and the deferred usage summary. It
// lives on the consumer's goroutine for the duration of one range loop and
// is never shared.
type session struct {
	ctx    context.Context
	family Family
	opts   Options
	yield  func(canonical.Event) bool

	seq uint64

	// calls holds open tool calls by call id; order keeps their arrival
	// order so a finish marker closes them in the order they started.
	calls map[string]*pendingCall
	order []string

	usage  *canonical.Usage
	finish string

	// ended is set once a terminal event was emitted, the consumer stopped
	// ranging, or ctx was cancelled. Nothing is emitted after that.
	ended bool
}

type pendingCall struct {
	name string
	args strings.Builder
}

// run drives one normalizer: it reads payloads from body, decodes each with
// decode, and feeds the result to handle. handle returns false once the
// session has ended.
//
// Cancellation closes body (so a blocked read returns at once) and ends the
// sequence without a further event. Buffered tool-call fragments are
// dropped on every exit path.
func run[F any](
	ctx context.Context,
	family Family,
	body io.ReadCloser,
	opts Options,
	decode func([]byte) (F, error),
	handle func(*session, F) bool,
	onEOF func(*session),
) *canonical.Stream {
	id := uuid.NewString()

	seq := func(yield func(canonical.Event) bool) {
		defer body.Close()
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		s := &session{
			ctx:    ctx,
			family: family,
			opts:   opts,
			yield:  yield,
			calls:  make(map[string]*pendingCall),
		}
		defer s.discard()

		frames := NewFrameReader(body, opts.Framing)
		for !s.ended {
			payload, err := frames.Next()
			if ctx.Err() != nil {
				s.ended = true
				return
			}
			if errors.Is(err, io.EOF) {
				onEOF(s)
				return
			}
			if err != nil {
				readErr := gwerr.Wrap(gwerr.KindUpstreamProtocol, err, "reading upstream")
				readErr.Provider = opts.Provider
				s.fail(readErr, nil)
				return
			}

			frame, err := decode(payload)
			if err != nil {
				s.fail(gwerr.Protocol(opts.Provider, fmt.Sprintf("undecodable chunk: %v", err)), nil)
				return
			}
			if !handle(s, frame) {
				return
			}
		}
	}

	return canonical.NewStream(id, seq)
}

// emit stamps ev with the next local sequence number and hands it to the
// consumer. It reports whether the session may continue.
func (s *session) emit(ev canonical.Event, vendorSeq *int64) bool {
	if s.ended {
		return false
	}
	if s.ctx.Err() != nil {
		s.ended = true
		return false
	}

	s.seq++
	ev = canonical.Stamp(ev, canonical.Position{Seq: s.seq, VendorSeq: vendorSeq})
	s.opts.Metrics.StreamEvent(string(s.family), string(ev.Kind()))

	if !s.yield(ev) {
		s.ended = true
		return false
	}
	return true
}

func (s *session) text(text string, vendorSeq *int64) bool {
	if text == "" {
		return !s.ended
	}
	return s.emit(canonical.TextDelta{Text: text}, vendorSeq)
}

// open registers a tool call without a fragment, so a later fragment or
// close can pick up its name.
func (s *session) open(callID, name string) *pendingCall {
	call, ok := s.calls[callID]
	if !ok {
		call = &pendingCall{}
		s.calls[callID] = call
		s.order = append(s.order, callID)
	}
	if call.name == "" {
		call.name = name
	}
	return call
}

// fragment appends one argument fragment to the call's buffer and emits it.
func (s *session) fragment(callID, name, args string, vendorSeq *int64) bool {
	if callID == "" {
		s.fail(gwerr.Protocol(s.opts.Provider, "tool call fragment without call id"), vendorSeq)
		return false
	}
	call := s.open(callID, name)
	call.args.WriteString(args)
	return s.emit(canonical.ToolCallDelta{CallID: callID, Name: name, Arguments: args}, vendorSeq)
}

func (s *session) isOpen(callID string) bool {
	_, ok := s.calls[callID]
	return ok
}

// hasFragments reports whether any argument text was buffered for callID.
func (s *session) hasFragments(callID string) bool {
	call, ok := s.calls[callID]
	return ok && call.args.Len() > 0
}

// close emits ToolCallComplete for callID with the buffered arguments.
func (s *session) close(callID string, vendorSeq *int64) bool {
	call, ok := s.calls[callID]
	if !ok {
		s.fail(gwerr.Protocol(s.opts.Provider, fmt.Sprintf("completion for unknown tool call %q", callID)), vendorSeq)
		return false
	}
	delete(s.calls, callID)
	for i, id := range s.order {
		if id == callID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.emit(canonical.ToolCallComplete{
		CallID:    callID,
		Name:      call.name,
		Arguments: call.args.String(),
	}, vendorSeq)
}

// closeAll completes every open call in arrival order.
func (s *session) closeAll(vendorSeq *int64) bool {
	for len(s.order) > 0 {
		if !s.close(s.order[0], vendorSeq) {
			return false
		}
	}
	return !s.ended
}

// complete ends the session successfully: usage (if any), then Completed.
// A call still open at this point never received its finish marker; its
// arguments may be truncated, so the stream fails instead.
func (s *session) complete(reason string, vendorSeq *int64) {
	if len(s.order) > 0 {
		s.fail(gwerr.Protocol(s.opts.Provider,
			fmt.Sprintf("stream ended with unfinished tool call %q", s.order[0])), vendorSeq)
		return
	}
	if reason == "" {
		reason = s.finish
	}
	if !s.flushUsage(vendorSeq) {
		return
	}
	s.emit(canonical.Completed{FinishReason: reason}, vendorSeq)
	s.ended = true
}

// fail drops buffered fragments and ends the session with an Errored event.
func (s *session) fail(err error, vendorSeq *int64) {
	s.discard()
	if !s.flushUsage(vendorSeq) {
		return
	}
	s.emit(canonical.ErroredFrom(err), vendorSeq)
	s.ended = true
}

func (s *session) flushUsage(vendorSeq *int64) bool {
	if s.usage == nil {
		return !s.ended
	}
	u := *s.usage
	s.usage = nil
	return s.emit(canonical.UsageSummary{Usage: u}, vendorSeq)
}

func (s *session) discard() {
	clear(s.calls)
	s.order = nil
}
