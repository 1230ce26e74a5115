package stream

import (
	"context"
	"io"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
)

// SequencedType is the normalized discriminator of a sequenced-family event.
type SequencedType int

const (
	// SeqIgnored marks upstream events with no canonical counterpart
	// (keep-alives, item bookkeeping the decoder already absorbed).
	SeqIgnored SequencedType = iota
	SeqInProgress
	SeqTextDelta
	SeqToolArgsDelta
	SeqToolArgsDone
	SeqCompleted
	SeqFailed
)

// SequencedEvent is one upstream event of the sequenced family (OpenAI
// Responses API): each carries the vendor's own sequence number and a type.
type SequencedEvent struct {
	// VendorSeq is copied verbatim into the emitted event's Position. It
	// plays no part in ordering.
	VendorSeq *int64
	Type      SequencedType

	ResponseID string
	Text       string

	CallID string
	Name   string
	// Arguments is a fragment for SeqToolArgsDelta. For SeqToolArgsDone it
	// is the vendor's full argument string, used only when no fragment
	// arrived before it.
	Arguments string

	Usage        *canonical.Usage
	FinishReason string

	// Error fields for SeqFailed.
	ErrorCode    string
	ErrorMessage string
}

// SequencedDecoder lifts one upstream payload into a SequencedEvent. Like
// DeltaDecoder it may keep per-stream state.
type SequencedDecoder func(payload []byte) (SequencedEvent, error)

// NormalizeSequenced turns a sequenced-event family stream into canonical
// events, one upstream event to at most two canonical ones. The stream
// must end with a completed or failed event; reaching EOF first is an
// upstream protocol error.
func NormalizeSequenced(ctx context.Context, body io.ReadCloser, decode SequencedDecoder, opts Options) *canonical.Stream {
	return run(ctx, FamilySequenced, body, opts, decode, handleSequenced, func(s *session) {
		s.fail(gwerr.Protocol(opts.Provider, "stream ended before a terminal event"), nil)
	})
}

func handleSequenced(s *session, ev SequencedEvent) bool {
	vs := ev.VendorSeq

	switch ev.Type {
	case SeqIgnored:
		return true

	case SeqInProgress:
		return s.emit(canonical.InProgress{ResponseID: ev.ResponseID}, vs)

	case SeqTextDelta:
		return s.text(ev.Text, vs)

	case SeqToolArgsDelta:
		return s.fragment(ev.CallID, ev.Name, ev.Arguments, vs)

	case SeqToolArgsDone:
		// Some vendors skip the deltas for short argument strings and only
		// send the done event. Deliver it as the single fragment so the
		// complete event still equals the concatenation of its deltas.
		if !s.hasFragments(ev.CallID) && ev.Arguments != "" {
			if !s.fragment(ev.CallID, ev.Name, ev.Arguments, vs) {
				return false
			}
		}
		if !s.isOpen(ev.CallID) {
			s.open(ev.CallID, ev.Name)
		}
		return s.close(ev.CallID, vs)

	case SeqCompleted:
		if ev.Usage != nil {
			u := *ev.Usage
			s.usage = &u
		}
		s.complete(ev.FinishReason, vs)
		return false

	case SeqFailed:
		if ev.Usage != nil {
			u := *ev.Usage
			s.usage = &u
		}
		msg := ev.ErrorMessage
		if msg == "" {
			msg = "upstream reported failure"
		}
		err := &gwerr.Error{Kind: gwerr.KindUpstreamHTTP, Provider: s.opts.Provider, Message: msg}
		if ev.ErrorCode != "" {
			err.Body = ev.ErrorCode
		}
		s.fail(err, vs)
		return false

	default:
		s.fail(gwerr.Protocol(s.opts.Provider, "unknown sequenced event type"), vs)
		return false
	}
}
