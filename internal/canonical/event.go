// Package canonical defines the vendor-independent events every streaming
// operation produces.
//
// Event is a closed sum type: the variants are the structs in this file and
// nothing outside the package can add one (the marker method is
// unexported). Code that translates events to or from the wire switches
// over the concrete types; see Stamp and Marshal for the exhaustive
// switches.
package canonical

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/howard-nolan/modelgate/internal/gwerr"
)

// Kind is the type discriminator of an Event. It is also the "type" field
// of an event's JSON form.
type Kind string

const (
	KindTextDelta        Kind = "text_delta"
	KindToolCallDelta    Kind = "tool_call_delta"
	KindToolCallComplete Kind = "tool_call_complete"
	KindToolResult       Kind = "tool_result"
	KindFile             Kind = "file"
	KindData             Kind = "data"
	KindUsage            Kind = "usage"
	KindInProgress       Kind = "in_progress"
	KindCompleted        Kind = "completed"
	KindErrored          Kind = "errored"
)

// Position locates an event inside its stream.
type Position struct {
	// Seq is the gateway's own sequence number: 1 for the first event of a
	// stream, incremented by one per event.
	Seq uint64 `json:"seq"`

	// VendorSeq is the sequence number the vendor attached to the upstream
	// event, if any. Kept for diagnostics only; ordering uses Seq.
	VendorSeq *int64 `json:"vendor_seq,omitempty"`
}

// Pos returns the position. Every variant gets it by embedding Position.
func (p Position) Pos() Position { return p }

// Event is one increment of a streaming result.
type Event interface {
	Kind() Kind
	Pos() Position
	isEvent()
}

// Usage holds token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TextDelta carries a fragment of generated text.
type TextDelta struct {
	Position
	Text string `json:"text"`
}

// ToolCallDelta carries one fragment of a tool call's argument JSON. The
// fragment is not valid JSON on its own in general.
type ToolCallDelta struct {
	Position
	CallID    string `json:"call_id"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ToolCallComplete closes a tool call. Arguments is the concatenation, in
// arrival order, of every ToolCallDelta with the same CallID.
type ToolCallComplete struct {
	Position
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult carries the output of a tool executed upstream. Output is
// passed through untouched.
type ToolResult struct {
	Position
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output"`
}

// FilePart references a file produced by the model.
type FilePart struct {
	Position
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
}

// DataPart carries an arbitrary application payload, untouched.
type DataPart struct {
	Position
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// UsageSummary reports token usage. A stream carries at most one, right
// before its terminal event.
type UsageSummary struct {
	Position
	Usage Usage `json:"usage"`
}

// InProgress reports that the upstream accepted the request and is working.
type InProgress struct {
	Position
	ResponseID string `json:"response_id,omitempty"`
}

// Completed is the terminal event of a successful stream.
type Completed struct {
	Position
	FinishReason string `json:"finish_reason,omitempty"`
}

// Errored is the terminal event of a failed stream.
type Errored struct {
	Position
	ErrKind gwerr.Kind `json:"kind"`
	Message string     `json:"message"`
	Status  int        `json:"status,omitempty"`
}

func (TextDelta) Kind() Kind        { return KindTextDelta }
func (ToolCallDelta) Kind() Kind    { return KindToolCallDelta }
func (ToolCallComplete) Kind() Kind { return KindToolCallComplete }
func (ToolResult) Kind() Kind       { return KindToolResult }
func (FilePart) Kind() Kind         { return KindFile }
func (DataPart) Kind() Kind         { return KindData }
func (UsageSummary) Kind() Kind     { return KindUsage }
func (InProgress) Kind() Kind       { return KindInProgress }
func (Completed) Kind() Kind        { return KindCompleted }
func (Errored) Kind() Kind          { return KindErrored }

func (TextDelta) isEvent()        {}
func (ToolCallDelta) isEvent()    {}
func (ToolCallComplete) isEvent() {}
func (ToolResult) isEvent()       {}
func (FilePart) isEvent()         {}
func (DataPart) isEvent()         {}
func (UsageSummary) isEvent()     {}
func (InProgress) isEvent()       {}
func (Completed) isEvent()        {}
func (Errored) isEvent()          {}

// Err converts the event into a *gwerr.Error.
func (e Errored) Err() error {
	return &gwerr.Error{Kind: e.ErrKind, Status: e.Status, Message: e.Message}
}

// ErroredFrom builds an Errored event describing err.
func ErroredFrom(err error) Errored {
	ev := Errored{ErrKind: gwerr.KindOf(err), Message: err.Error()}
	if ev.ErrKind == "" {
		ev.ErrKind = gwerr.KindUpstreamProtocol
	}
	var gwErr *gwerr.Error
	if errors.As(err, &gwErr) {
		ev.Status = gwErr.Status
	}
	return ev
}

// Terminal reports whether ev ends a stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Errored:
		return true
	}
	return false
}

// Stamp returns a copy of ev placed at p.
func Stamp(ev Event, p Position) Event {
	switch e := ev.(type) {
	case TextDelta:
		e.Position = p
		return e
	case ToolCallDelta:
		e.Position = p
		return e
	case ToolCallComplete:
		e.Position = p
		return e
	case ToolResult:
		e.Position = p
		return e
	case FilePart:
		e.Position = p
		return e
	case DataPart:
		e.Position = p
		return e
	case UsageSummary:
		e.Position = p
		return e
	case InProgress:
		e.Position = p
		return e
	case Completed:
		e.Position = p
		return e
	case Errored:
		e.Position = p
		return e
	default:
		panic(fmt.Sprintf("canonical: unknown event type %T", ev))
	}
}
