package server

import (
	"encoding/json"
	"strings"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/provider"
)

// ---------------------------------------------------------------------------
// Request bodies
// ---------------------------------------------------------------------------

// The gateway speaks the OpenAI wire format to its clients. These structs
// are the JSON shapes it accepts; handlers translate them into the
// provider package's unified types. "model" is always a gateway
// identifier ("openai:gpt-4o-mini").
//
// Options carries vendor-specific fields that are overlaid on the
// upstream payload as-is.

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatCompletionRequest struct {
	Model       string         `json:"model"`
	Messages    []chatMessage  `json:"messages"`
	Tools       []wireTool     `json:"tools,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Instructions    string         `json:"instructions,omitempty"`
	Input           string         `json:"input,omitempty"`
	Messages        []chatMessage  `json:"messages,omitempty"`
	Tools           []wireTool     `json:"tools,omitempty"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
}

type completionRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type imageRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	N       int            `json:"n,omitempty"`
	Size    string         `json:"size,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type videoRequest struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Duration    int            `json:"duration_seconds,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type speechRequest struct {
	Model          string         `json:"model"`
	Input          string         `json:"input"`
	Voice          string         `json:"voice,omitempty"`
	ResponseFormat string         `json:"response_format,omitempty"`
	Options        map[string]any `json:"options,omitempty"`
}

type rerankRequest struct {
	Model     string         `json:"model"`
	Query     string         `json:"query"`
	Documents []string       `json:"documents"`
	TopN      int            `json:"top_n,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type realtimeSessionRequest struct {
	Model        string         `json:"model"`
	Voice        string         `json:"voice,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// ---------------------------------------------------------------------------
// Response bodies
// ---------------------------------------------------------------------------

type chatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []chatChoice     `json:"choices"`
	Usage   *canonical.Usage `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responsesResponse struct {
	ID           string           `json:"id"`
	Object       string           `json:"object"`
	Model        string           `json:"model"`
	OutputText   string           `json:"output_text"`
	ToolCalls    []wireToolCall   `json:"tool_calls,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        *canonical.Usage `json:"usage,omitempty"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *canonical.Usage   `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type modelObject struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Created  int64  `json:"created,omitempty"`
	OwnedBy  string `json:"owned_by,omitempty"`
	Provider string `json:"provider"`
}

type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

// mediaObject is one generated image or video. Data is base64-encoded by
// encoding/json.
type mediaObject struct {
	URL           string `json:"url,omitempty"`
	B64JSON       []byte `json:"b64_json,omitempty"`
	MediaType     string `json:"media_type,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type mediaResponse struct {
	ID      string        `json:"id,omitempty"`
	Created int64         `json:"created"`
	Data    []mediaObject `json:"data"`
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
	Document       string  `json:"document,omitempty"`
}

type rerankResponse struct {
	ID      string         `json:"id,omitempty"`
	Model   string         `json:"model"`
	Results []rerankResult `json:"results"`
}

type realtimeSessionResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Model        string `json:"model"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at,omitempty"`
	} `json:"client_secret"`
}

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Status    int    `json:"upstream_status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

func toMessages(in []chatMessage) []provider.Message {
	out := make([]provider.Message, 0, len(in))
	for _, m := range in {
		msg := provider.Message{
			Role:       strings.ToLower(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out = append(out, msg)
	}
	return out
}

func toTools(in []wireTool) []provider.Tool {
	if len(in) == 0 {
		return nil
	}
	out := make([]provider.Tool, 0, len(in))
	for _, t := range in {
		out = append(out, provider.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

func fromToolCalls(in []canonical.ToolCall) []wireToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]wireToolCall, 0, len(in))
	for _, tc := range in {
		out = append(out, wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: wireToolFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}

// usagePtr omits an all-zero usage block; vendors that report nothing
// should not claim zero tokens.
func usagePtr(u canonical.Usage) *canonical.Usage {
	if u == (canonical.Usage{}) {
		return nil
	}
	return &u
}
