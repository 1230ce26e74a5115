package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/stream"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// UIStream implements Handle for agent backends that answer with a UI
// message stream: small typed JSON parts (text-delta, tool-input-delta,
// tool-output-available, data-*, ...) over SSE. The base URL is the chat
// endpoint itself.
type UIStream struct {
	base
}

// NewUIStream creates a UI-stream handle. The credential is optional; when
// present it is sent as a bearer token.
func NewUIStream(s Settings, d Deps) *UIStream {
	return &UIStream{base: newBase(s, d, "", transport.Bearer, nil)}
}

// Capabilities reports streaming chat, plus model listing when a static
// list is configured.
func (u *UIStream) Capabilities() CapabilitySet {
	if len(u.models) > 0 {
		return NewCapabilitySet(CapChatStream, CapListModels)
	}
	return NewCapabilitySet(CapChatStream)
}

type uiMessage struct {
	ID    string       `json:"id"`
	Role  string       `json:"role"`
	Parts []uiTextPart `json:"parts"`
}

type uiTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type uiChatRequest struct {
	ID       string      `json:"id"`
	Model    string      `json:"model,omitempty"`
	Messages []uiMessage `json:"messages"`
}

// ChatCompletionStream posts the conversation and normalizes the UI parts.
// Tool results and data parts the backend produces pass through as
// canonical ToolResult and DataPart events.
func (u *UIStream) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*canonical.Stream, error) {
	r := &uiChatRequest{ID: uuid.NewString(), Model: req.Model}
	for i, m := range req.Messages {
		if m.Role == "tool" {
			// The backend runs its own tools; results from the caller
			// travel as plain user context.
			m.Role, m.Content = "user", fmt.Sprintf("Tool %s returned: %s", m.ToolCallID, m.Content)
		}
		r.Messages = append(r.Messages, uiMessage{
			ID:    fmt.Sprintf("msg-%d", i),
			Role:  m.Role,
			Parts: []uiTextPart{{Type: "text", Text: m.Content}},
		})
	}
	payload, err := transport.MergeOptions(r, req.Options)
	if err != nil {
		return nil, err
	}

	body, err := u.client.Stream(ctx, "", u.optionalCredential(), payload)
	if err != nil {
		return nil, err
	}
	return stream.NormalizeUIParts(ctx, body, nil, u.streamOptions(stream.FramingSSE)), nil
}

// ListModels returns the configured model list.
func (u *UIStream) ListModels(context.Context) ([]ModelSummary, error) {
	if len(u.models) == 0 {
		return nil, gwerr.NotSupported(u.Provider, string(CapListModels))
	}
	return u.staticModels(), nil
}
