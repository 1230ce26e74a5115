package stream

import (
	"encoding/json"
	"errors"
	"iter"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
)

// streamOf is a test helper that wraps events in a canonical.Stream,
// numbering them the way a normalizer would.
func streamOf(events ...canonical.Event) *canonical.Stream {
	var seq iter.Seq[canonical.Event] = func(yield func(canonical.Event) bool) {
		for i, ev := range events {
			if !yield(canonical.Stamp(ev, canonical.Position{Seq: uint64(i + 1)})) {
				return
			}
		}
	}
	return canonical.NewStream("test-stream", seq)
}

// parseSSEEvents splits the raw SSE output into individual data payloads,
// excluding the "data: [DONE]" sentinel.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

var meta = ChunkMeta{ID: "chatcmpl-1", Model: "openai:test-model"}

func TestWrite_MultipleChunks(t *testing.T) {
	s := streamOf(
		canonical.TextDelta{Text: "Hello"},
		canonical.TextDelta{Text: " world"},
		canonical.UsageSummary{Usage: canonical.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
		canonical.Completed{},
	)

	w := httptest.NewRecorder()
	if err := Write(w, s, meta); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}

	events := parseSSEEvents(body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first sseChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("failed to parse event 0: %v", err)
	}
	if first.Choices[0].Delta.Content != "Hello" {
		t.Errorf("event 0 content = %q, want %q", first.Choices[0].Delta.Content, "Hello")
	}
	if first.Choices[0].FinishReason != nil {
		t.Errorf("event 0 finish_reason = %v, want nil", *first.Choices[0].FinishReason)
	}
	if first.ID != "chatcmpl-1" || first.Model != "openai:test-model" {
		t.Errorf("event 0 id/model = %q/%q", first.ID, first.Model)
	}

	var third sseChunk
	if err := json.Unmarshal([]byte(events[2]), &third); err != nil {
		t.Fatalf("failed to parse event 2: %v", err)
	}
	if third.Choices[0].FinishReason == nil || *third.Choices[0].FinishReason != "stop" {
		t.Error("event 2 should have finish_reason=stop")
	}
	if third.Choices[0].Delta.Content != "" {
		t.Errorf("event 2 delta should be empty, got %q", third.Choices[0].Delta.Content)
	}
	if third.Usage == nil || third.Usage.TotalTokens != 7 {
		t.Fatal("event 2 should have usage with total_tokens=7")
	}
}

func TestWrite_ToolCalls(t *testing.T) {
	s := streamOf(
		canonical.ToolCallDelta{CallID: "call_a", Name: "weather", Arguments: `{"city":`},
		canonical.ToolCallDelta{CallID: "call_b", Name: "time", Arguments: `{}`},
		canonical.ToolCallDelta{CallID: "call_a", Arguments: `"Oslo"}`},
		canonical.ToolCallComplete{CallID: "call_a", Name: "weather", Arguments: `{"city":"Oslo"}`},
		canonical.ToolCallComplete{CallID: "call_b", Name: "time", Arguments: `{}`},
		canonical.Completed{FinishReason: "tool_calls"},
	)

	w := httptest.NewRecorder()
	if err := Write(w, s, meta); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	// Three fragments plus the finish chunk; completes add nothing.
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}

	var chunks [3]sseChunk
	for i := range chunks {
		if err := json.Unmarshal([]byte(events[i]), &chunks[i]); err != nil {
			t.Fatalf("failed to parse event %d: %v", i, err)
		}
	}

	a0 := chunks[0].Choices[0].Delta.ToolCalls[0]
	if a0.Index != 0 || a0.ID != "call_a" || a0.Function.Name != "weather" {
		t.Errorf("first fragment = %+v", a0)
	}
	b0 := chunks[1].Choices[0].Delta.ToolCalls[0]
	if b0.Index != 1 || b0.ID != "call_b" {
		t.Errorf("second call fragment = %+v", b0)
	}
	a1 := chunks[2].Choices[0].Delta.ToolCalls[0]
	if a1.Index != 0 || a1.ID != "" || a1.Function.Arguments != `"Oslo"}` {
		t.Errorf("continuation fragment = %+v", a1)
	}

	var finish sseChunk
	if err := json.Unmarshal([]byte(events[3]), &finish); err != nil {
		t.Fatalf("failed to parse finish: %v", err)
	}
	if r := finish.Choices[0].FinishReason; r == nil || *r != "tool_calls" {
		t.Errorf("finish_reason = %v, want tool_calls", r)
	}
}

func TestWrite_MidStreamError(t *testing.T) {
	s := streamOf(
		canonical.TextDelta{Text: "partial"},
		canonical.Errored{ErrKind: gwerr.KindUpstreamProtocol, Message: "connection reset"},
	)

	w := httptest.NewRecorder()
	err := Write(w, s, meta)

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "connection reset")
	}

	// Should NOT contain [DONE] since the stream errored.
	if strings.Contains(w.Body.String(), "[DONE]") {
		t.Error("errored stream should not contain [DONE]")
	}
	if !strings.Contains(w.Body.String(), `"type":"upstream_protocol_error"`) {
		t.Errorf("missing error object in %q", w.Body.String())
	}
}

func TestWrite_SSEFormat(t *testing.T) {
	s := streamOf(canonical.TextDelta{Text: "hi"}, canonical.Completed{})

	w := httptest.NewRecorder()
	if err := Write(w, s, meta); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Error("missing properly formatted [DONE] sentinel")
	}

	// content + finish + DONE
	nonEmpty := 0
	for _, p := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty != 3 {
		t.Errorf("got %d SSE events, want 3 (content + finish + DONE)", nonEmpty)
	}
}

func TestWrite_NoTerminalEvent(t *testing.T) {
	s := streamOf(canonical.TextDelta{Text: "cut off"})

	w := httptest.NewRecorder()
	err := Write(w, s, meta)
	if err == nil {
		t.Fatal("expected error for a stream without terminal event")
	}
	if !errors.Is(err, gwerr.ErrCancelled) {
		t.Errorf("got %v, want a cancellation", err)
	}
	if strings.Contains(w.Body.String(), "[DONE]") {
		t.Error("unterminated stream should not contain [DONE]")
	}
}

func TestWriteEvents_NoTerminalEvent(t *testing.T) {
	s := streamOf(canonical.TextDelta{Text: "cut off"})

	err := WriteEvents(httptest.NewRecorder(), s)
	if gwerr.KindOf(err) != gwerr.KindCancelled {
		t.Errorf("got kind %q (%v), want %q", gwerr.KindOf(err), err, gwerr.KindCancelled)
	}
}

func TestWriteEvents(t *testing.T) {
	s := streamOf(
		canonical.InProgress{ResponseID: "resp_1"},
		canonical.TextDelta{Text: "Hi"},
		canonical.Completed{FinishReason: "stop"},
	)

	w := httptest.NewRecorder()
	if err := WriteEvents(w, s); err != nil {
		t.Fatalf("WriteEvents returned error: %v", err)
	}

	body := w.Body.String()
	for _, want := range []string{
		"event: in_progress\ndata: {\"type\":\"in_progress\",\"seq\":1,\"response_id\":\"resp_1\"}\n\n",
		"event: text_delta\ndata: {\"type\":\"text_delta\",\"seq\":2,\"text\":\"Hi\"}\n\n",
		"event: completed\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\nbody: %s", want, body)
		}
	}
}
