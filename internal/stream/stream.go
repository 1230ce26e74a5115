// Package stream turns vendor streaming responses into canonical event
// streams, and canonical event streams back into Server-Sent Events for
// the gateway's own clients.
//
// The inbound half (NormalizeDeltas, NormalizeSequenced, NormalizeUIParts)
// handles the three upstream protocol families. The outbound half (Write,
// WriteEvents) is what the HTTP handlers use to answer a streaming request.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// These structs define the JSON shape OpenAI-compatible clients expect in
// each SSE event of a streaming chat completion. Our API surface matches
// the OpenAI format, so every canonical event that has a chat-completion
// meaning is translated into this shape before it goes out:
//
//	data: {"id":"...","object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}
//
// json.Marshal needs a Go type to serialize, hence the structs. They're
// private to this package; no other code needs the wire details.

// sseChunk is the top-level JSON object in each SSE event.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage is included only on the final chunk, when it's available.
	// With a pointer and omitempty a nil Usage drops the "usage" key from
	// the JSON entirely, which is what OpenAI does on every other chunk.
	Usage *canonical.Usage `json:"usage,omitempty"`
}

// sseChoice represents one choice in the streaming response. OpenAI
// supports several choices (n > 1), but we always return one.
type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is null for all chunks except the final one. A plain
	// string can't say null in JSON; it would serialize as "", which
	// clients read as a finish reason. A nil *string renders as null.
	FinishReason *string `json:"finish_reason"`
}

// sseDelta holds the incremental content in each chunk. Both fields are
// omitempty so the final chunk sends {"delta":{}}.
type sseDelta struct {
	Content   string        `json:"content,omitempty"`
	ToolCalls []sseToolCall `json:"tool_calls,omitempty"`
}

// sseToolCall is OpenAI's streamed tool-call delta. Clients stitch
// fragments together by Index; ID, Type and Name only appear on the first
// fragment of each call.
type sseToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function sseToolFunction `json:"function"`
}

type sseToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// sseError is sent in place of a chunk when the upstream fails mid-stream.
type sseError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ChunkMeta is the per-response metadata repeated on every chunk.
type ChunkMeta struct {
	ID    string
	Model string
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write renders a canonical stream as OpenAI-compatible chat completion
// SSE, flushing every event so the client sees tokens as they arrive.
//
// It is the consumer side of the streaming pipeline:
//
//	vendor body → normalizer → canonical.Stream → Write → client
//
// Text deltas and tool-call fragments each become one chunk. The usage
// summary is held back and attached to the finish chunk, after which the
// "data: [DONE]" sentinel is sent. An Errored event writes an error object
// and returns its error without the sentinel, so clients can tell a broken
// stream from a finished one.
func Write(w http.ResponseWriter, s *canonical.Stream, meta ChunkMeta) error {
	// The ResponseWriter the HTTP server hands us also implements
	// http.Flusher. Flush pushes each event to the client right away
	// instead of waiting for the buffer to fill. The two-value assertion
	// fails softly for writers that can't flush.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}
	setSSEHeaders(w)

	created := time.Now().Unix()
	chunk := func(delta sseDelta) sseChunk {
		return sseChunk{
			ID:      meta.ID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   meta.Model,
			Choices: []sseChoice{{Index: 0, Delta: delta}},
		}
	}

	// Tool calls are numbered in order of first appearance, the way
	// OpenAI numbers them.
	toolIndex := make(map[string]int)
	indexFor := func(callID string) (int, bool) {
		idx, seen := toolIndex[callID]
		if !seen {
			idx = len(toolIndex)
			toolIndex[callID] = idx
		}
		return idx, seen
	}

	var usage *canonical.Usage

	for ev := range s.Events() {
		switch e := ev.(type) {
		case canonical.TextDelta:
			if err := writeData(w, flusher, chunk(sseDelta{Content: e.Text})); err != nil {
				return err
			}

		case canonical.ToolCallDelta:
			idx, seen := indexFor(e.CallID)
			call := sseToolCall{Index: idx, Function: sseToolFunction{Arguments: e.Arguments}}
			if !seen {
				call.ID = e.CallID
				call.Type = "function"
				call.Function.Name = e.Name
			}
			if err := writeData(w, flusher, chunk(sseDelta{ToolCalls: []sseToolCall{call}})); err != nil {
				return err
			}

		case canonical.ToolCallComplete:
			// Already streamed fragment by fragment, unless the call had
			// no fragments at all.
			if _, seen := indexFor(e.CallID); seen {
				continue
			}
			call := sseToolCall{
				Index:    toolIndex[e.CallID],
				ID:       e.CallID,
				Type:     "function",
				Function: sseToolFunction{Name: e.Name, Arguments: e.Arguments},
			}
			if err := writeData(w, flusher, chunk(sseDelta{ToolCalls: []sseToolCall{call}})); err != nil {
				return err
			}

		case canonical.UsageSummary:
			u := e.Usage
			usage = &u

		case canonical.Completed:
			reason := e.FinishReason
			if reason == "" {
				reason = "stop"
			}
			final := chunk(sseDelta{})
			final.Choices[0].FinishReason = &reason
			final.Usage = usage
			if err := writeData(w, flusher, final); err != nil {
				return err
			}
			return writeDone(w, flusher)

		case canonical.Errored:
			var body sseError
			body.Error.Type = string(e.ErrKind)
			body.Error.Message = e.Message
			if err := writeData(w, flusher, body); err != nil {
				return err
			}
			return e.Err()

		default:
			// Tool results, files, data parts and progress markers have no
			// chat-completion representation.
		}
	}

	return unterminated(s)
}

// WriteEvents renders a canonical stream as-is: each event becomes an SSE
// event named after its kind, with the event's JSON as data. This is the
// format of /v1/responses streams.
//
//	event: text_delta
//	data: {"type":"text_delta","seq":3,"text":"Hel"}
func WriteEvents(w http.ResponseWriter, s *canonical.Stream) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}
	setSSEHeaders(w)

	for ev := range s.Events() {
		data, err := canonical.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()

		if e, ok := ev.(canonical.Errored); ok {
			return e.Err()
		}
		if canonical.Terminal(ev) {
			return nil
		}
	}
	return unterminated(s)
}

// unterminated is the error for a range that ended without a terminal
// event. The stream only stops short like that when its context is
// cancelled, usually because the client went away, so it is reported as
// a cancellation.
func unterminated(s *canonical.Stream) error {
	return gwerr.Cancelled(fmt.Errorf("stream %s ended without a terminal event", s.ID))
}

// setSSEHeaders marks the response as an event stream for the client and
// any proxies in between. "no-cache" keeps proxies from buffering the
// stream, and keep-alive keeps them from closing the connection after the
// first event. Headers are locked in by the first Write or Flush, so this
// must run before either.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeData writes one "data: {json}\n\n" event and flushes it.
func writeData(w http.ResponseWriter, flusher http.Flusher, v any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}

// writeDone sends the OpenAI "[DONE]" sentinel.
func writeDone(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}
