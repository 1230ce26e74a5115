package stream

import (
	"context"
	"io"

	"github.com/howard-nolan/modelgate/internal/canonical"
)

// DeltaChunk is one upstream chunk of the delta-chunk family (OpenAI chat
// completions, Anthropic messages, Gemini, Ollama), already lifted out of
// the vendor's JSON by a provider decoder.
//
// Fields are applied in declaration order: text, tool fragments, explicit
// closes, usage, finish, then done or err.
type DeltaChunk struct {
	Text string

	// Tools are argument fragments. Several fragments of one call share a
	// CallID; decoders for vendors that key fragments by index translate
	// the index to the call id before filling this in.
	Tools []ToolFragment

	// Close lists call ids whose arguments are complete (Anthropic's
	// content_block_stop, Gemini's whole function calls).
	Close []string

	// Usage replaces any usage seen earlier. It is emitted once, right
	// before the terminal event.
	Usage *canonical.Usage

	// Finish is the vendor's finish reason. It completes every open call.
	Finish string

	// Done marks the last chunk of the stream.
	Done bool

	// Err is an error the vendor reported in-band. The stream fails with
	// it after the chunk's other fields are applied.
	Err error
}

// ToolFragment is a piece of a tool call's argument JSON.
type ToolFragment struct {
	CallID    string
	Name      string
	Arguments string
}

// DeltaDecoder lifts one upstream payload into a DeltaChunk. Decoders may
// keep state across calls (e.g. an index-to-id table); a fresh decoder is
// created for every stream.
type DeltaDecoder func(payload []byte) (DeltaChunk, error)

// NormalizeDeltas turns a delta-chunk family stream into canonical events.
//
// Text becomes TextDelta, each tool fragment becomes ToolCallDelta and is
// appended to its call's buffer, and a close or finish marker emits one
// ToolCallComplete per call with the buffered arguments. The argument text
// is never parsed. The upstream reaching EOF (or "[DONE]") completes the
// stream.
func NormalizeDeltas(ctx context.Context, body io.ReadCloser, decode DeltaDecoder, opts Options) *canonical.Stream {
	return run(ctx, FamilyDelta, body, opts, decode, handleDelta, func(s *session) {
		s.complete("", nil)
	})
}

func handleDelta(s *session, c DeltaChunk) bool {
	if !s.text(c.Text, nil) {
		return false
	}
	for _, f := range c.Tools {
		if !s.fragment(f.CallID, f.Name, f.Arguments, nil) {
			return false
		}
	}
	for _, id := range c.Close {
		if !s.close(id, nil) {
			return false
		}
	}
	if c.Usage != nil {
		u := *c.Usage
		s.usage = &u
	}
	if c.Finish != "" {
		s.finish = c.Finish
		if !s.closeAll(nil) {
			return false
		}
	}
	if c.Err != nil {
		s.fail(c.Err, nil)
		return false
	}
	if c.Done {
		s.complete("", nil)
		return false
	}
	return true
}
