package canonical

import (
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/howard-nolan/modelgate/internal/gwerr"
)

// Stream is a lazy, single-pass sequence of events from one upstream call.
//
// Nothing is read from the upstream until the caller starts ranging over
// Events, and the stream cannot be restarted: calling the operation again
// issues a new upstream request. Breaking out of the range loop early
// releases the upstream connection.
type Stream struct {
	ID  string
	seq iter.Seq[Event]

	consumed atomic.Bool
}

// NewStream wraps seq. The sequence must end with exactly one terminal
// event (Completed or Errored) unless the consumer stops early or the
// stream is cancelled.
func NewStream(id string, seq iter.Seq[Event]) *Stream {
	return &Stream{ID: id, seq: seq}
}

// Events returns the event sequence. Ranging over it a second time yields a
// single Errored event instead of replaying.
func (s *Stream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if s.consumed.Swap(true) {
			yield(Errored{
				Position: Position{Seq: 1},
				ErrKind:  gwerr.KindInvalidArgument,
				Message:  "stream already consumed",
			})
			return
		}
		s.seq(yield)
	}
}

// ToolCall is a completed tool call.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Result is what a stream adds up to.
type Result struct {
	Text         string       `json:"text"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Results      []ToolResult `json:"tool_results,omitempty"`
	Files        []FilePart   `json:"files,omitempty"`
	Data         []DataPart   `json:"data,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// Collect drains the stream into a Result. An Errored event becomes the
// returned error; the partial result is returned alongside it.
func (s *Stream) Collect() (*Result, error) {
	res := &Result{}
	var text strings.Builder

	for ev := range s.Events() {
		switch e := ev.(type) {
		case TextDelta:
			text.WriteString(e.Text)
		case ToolCallDelta:
			// Fragments are re-delivered whole by ToolCallComplete.
		case ToolCallComplete:
			res.ToolCalls = append(res.ToolCalls, ToolCall{ID: e.CallID, Name: e.Name, Arguments: e.Arguments})
		case ToolResult:
			res.Results = append(res.Results, e)
		case FilePart:
			res.Files = append(res.Files, e)
		case DataPart:
			res.Data = append(res.Data, e)
		case UsageSummary:
			u := e.Usage
			res.Usage = &u
		case InProgress:
		case Completed:
			res.FinishReason = e.FinishReason
		case Errored:
			res.Text = text.String()
			return res, e.Err()
		}
	}

	res.Text = text.String()
	return res, nil
}

// Marshal encodes ev as a JSON object: the variant's fields plus a "type"
// discriminator.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s event: %w", ev.Kind(), err)
	}

	// Splice the discriminator in front of the variant's own fields.
	kind, err := json.Marshal(ev.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(kind)+9)
	out = append(out, `{"type":`...)
	out = append(out, kind...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Unmarshal decodes the output of Marshal.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding event type: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case KindTextDelta:
		ev, err = decodeAs[TextDelta](data)
	case KindToolCallDelta:
		ev, err = decodeAs[ToolCallDelta](data)
	case KindToolCallComplete:
		ev, err = decodeAs[ToolCallComplete](data)
	case KindToolResult:
		ev, err = decodeAs[ToolResult](data)
	case KindFile:
		ev, err = decodeAs[FilePart](data)
	case KindData:
		ev, err = decodeAs[DataPart](data)
	case KindUsage:
		ev, err = decodeAs[UsageSummary](data)
	case KindInProgress:
		ev, err = decodeAs[InProgress](data)
	case KindCompleted:
		ev, err = decodeAs[Completed](data)
	case KindErrored:
		ev, err = decodeAs[Errored](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	return ev, err
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", v.Kind(), err)
	}
	return v, nil
}
