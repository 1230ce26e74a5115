package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
)

// UIPartType is the kind of a fine-grained UI message part.
type UIPartType string

const (
	UIStart              UIPartType = "start"
	UITextDelta          UIPartType = "text-delta"
	UIToolInputStart     UIPartType = "tool-input-start"
	UIToolInputDelta     UIPartType = "tool-input-delta"
	UIToolInputAvailable UIPartType = "tool-input-available"
	UIToolOutput         UIPartType = "tool-output-available"
	UIFile               UIPartType = "file"
	UIData               UIPartType = "data"
	UIFinish             UIPartType = "finish"
	UIError              UIPartType = "error"
	UIIgnored            UIPartType = ""
)

// UIPart is one part of a UI message stream: a sequence of small typed
// JSON objects, each describing one piece of a chat message as it is
// built (text, tool input, tool output, files, application data).
type UIPart struct {
	Type UIPartType

	MessageID string
	Text      string

	CallID   string
	ToolName string
	Delta    string

	// Input, Output and Data are opaque and passed through untouched.
	Input  json.RawMessage
	Output json.RawMessage

	URL       string
	MediaType string

	// DataName is the suffix of a "data-<name>" part.
	DataName string
	Data     json.RawMessage

	FinishReason string
	ErrorText    string
}

// DecodeUIPart decodes the UI message stream wire format:
//
//	{"type":"text-delta","id":"t1","delta":"Hel"}
//	{"type":"tool-input-delta","toolCallId":"c1","inputTextDelta":"{\"ci"}
//	{"type":"data-weather","data":{"temp":21}}
//
// Part types without a canonical counterpart (step and block boundaries,
// reasoning, sources) decode to UIIgnored.
func DecodeUIPart(payload []byte) (UIPart, error) {
	if !gjson.ValidBytes(payload) {
		return UIPart{}, fmt.Errorf("invalid JSON")
	}
	doc := gjson.ParseBytes(payload)
	typ := doc.Get("type").String()
	if typ == "" {
		return UIPart{}, fmt.Errorf("part without type")
	}

	raw := func(path string) json.RawMessage {
		r := doc.Get(path)
		if !r.Exists() {
			return nil
		}
		return json.RawMessage(r.Raw)
	}

	switch UIPartType(typ) {
	case UIStart:
		return UIPart{Type: UIStart, MessageID: doc.Get("messageId").String()}, nil
	case UITextDelta:
		return UIPart{Type: UITextDelta, Text: doc.Get("delta").String()}, nil
	case UIToolInputStart:
		return UIPart{
			Type:     UIToolInputStart,
			CallID:   doc.Get("toolCallId").String(),
			ToolName: doc.Get("toolName").String(),
		}, nil
	case UIToolInputDelta:
		return UIPart{
			Type:   UIToolInputDelta,
			CallID: doc.Get("toolCallId").String(),
			Delta:  doc.Get("inputTextDelta").String(),
		}, nil
	case UIToolInputAvailable:
		return UIPart{
			Type:     UIToolInputAvailable,
			CallID:   doc.Get("toolCallId").String(),
			ToolName: doc.Get("toolName").String(),
			Input:    raw("input"),
		}, nil
	case UIToolOutput:
		return UIPart{
			Type:   UIToolOutput,
			CallID: doc.Get("toolCallId").String(),
			Output: raw("output"),
		}, nil
	case UIFile:
		return UIPart{
			Type:      UIFile,
			URL:       doc.Get("url").String(),
			MediaType: doc.Get("mediaType").String(),
		}, nil
	case UIFinish:
		return UIPart{Type: UIFinish, FinishReason: doc.Get("finishReason").String()}, nil
	case UIError:
		return UIPart{Type: UIError, ErrorText: doc.Get("errorText").String()}, nil
	}

	if name, ok := strings.CutPrefix(typ, "data-"); ok {
		return UIPart{Type: UIData, DataName: name, Data: raw("data")}, nil
	}
	return UIPart{Type: UIIgnored}, nil
}

// UIPartDecoder lifts one upstream payload into a UIPart.
type UIPartDecoder func(payload []byte) (UIPart, error)

// NormalizeUIParts turns a UI-part family stream into canonical events,
// mapping parts 1:1 and passing opaque payloads through. decode may be nil,
// in which case DecodeUIPart is used.
func NormalizeUIParts(ctx context.Context, body io.ReadCloser, decode UIPartDecoder, opts Options) *canonical.Stream {
	if decode == nil {
		decode = DecodeUIPart
	}
	return run(ctx, FamilyUIPart, body, opts, decode, handleUIPart, func(s *session) {
		s.complete("", nil)
	})
}

func handleUIPart(s *session, p UIPart) bool {
	switch p.Type {
	case UIIgnored:
		return true

	case UIStart:
		return s.emit(canonical.InProgress{ResponseID: p.MessageID}, nil)

	case UITextDelta:
		return s.text(p.Text, nil)

	case UIToolInputStart:
		if p.CallID == "" {
			s.fail(gwerr.Protocol(s.opts.Provider, "tool-input-start without toolCallId"), nil)
			return false
		}
		s.open(p.CallID, p.ToolName)
		return true

	case UIToolInputDelta:
		return s.fragment(p.CallID, "", p.Delta, nil)

	case UIToolInputAvailable:
		if p.CallID == "" {
			s.fail(gwerr.Protocol(s.opts.Provider, "tool-input-available without toolCallId"), nil)
			return false
		}
		// Input that was never streamed in pieces arrives whole here.
		if !s.hasFragments(p.CallID) && len(p.Input) > 0 {
			if !s.fragment(p.CallID, p.ToolName, string(p.Input), nil) {
				return false
			}
		}
		s.open(p.CallID, p.ToolName)
		return s.close(p.CallID, nil)

	case UIToolOutput:
		return s.emit(canonical.ToolResult{CallID: p.CallID, Output: p.Output}, nil)

	case UIFile:
		return s.emit(canonical.FilePart{URL: p.URL, MediaType: p.MediaType}, nil)

	case UIData:
		return s.emit(canonical.DataPart{Name: p.DataName, Payload: p.Data}, nil)

	case UIFinish:
		s.complete(p.FinishReason, nil)
		return false

	case UIError:
		msg := p.ErrorText
		if msg == "" {
			msg = "upstream reported an error"
		}
		s.fail(&gwerr.Error{Kind: gwerr.KindUpstreamHTTP, Provider: s.opts.Provider, Message: msg}, nil)
		return false

	default:
		s.fail(gwerr.Protocol(s.opts.Provider, fmt.Sprintf("unknown part type %q", p.Type)), nil)
		return false
	}
}
