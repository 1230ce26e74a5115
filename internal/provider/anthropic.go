package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/stream"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// ---------------------------------------------------------------------------
// Anthropic struct + constructor
// ---------------------------------------------------------------------------

// Anthropic implements Handle for Anthropic's Messages API: translate the
// unified ChatRequest into Anthropic's format, make the HTTP call,
// translate back.
type Anthropic struct {
	base
}

const anthropicBaseURL = "https://api.anthropic.com/v1"

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic requires
// this header on every request; it versions the API by date header rather
// than URL path.
const anthropicAPIVersion = "2023-06-01"

// NewAnthropic creates an Anthropic handle. Auth is the x-api-key header
// rather than a bearer token.
func NewAnthropic(s Settings, d Deps) *Anthropic {
	return &Anthropic{base: newBase(s, d, anthropicBaseURL, transport.Header("x-api-key"),
		map[string]string{"anthropic-version": anthropicAPIVersion})}
}

// Capabilities reports chat, streaming chat and model listing.
func (a *Anthropic) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapChat, CapChatStream, CapListModels)
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the request body for /v1/messages.
//
// Key differences from OpenAI:
//   - "system" is a top-level string, not a message
//   - "max_tokens" is REQUIRED
//   - tool calls and results are content blocks inside messages
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// anthropicMessage is one message. Content is a list of blocks so that
// tool_use and tool_result can sit next to text.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicContentBlock covers every block type we send or receive;
// fields irrelevant to Type stay at their zero values.
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicUsage uses input_tokens/output_tokens rather than OpenAI's
// prompt/completion names.
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// defaultMaxTokens is used when the caller doesn't specify max_tokens.
// Anthropic requires this field, so we need a fallback.
const defaultMaxTokens = 1024

// emptySchema stands in for tools declared without parameters;
// input_schema is mandatory.
var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// toAnthropicRequest translates a ChatRequest. System messages are pulled
// out into the top-level "system" string; assistant tool calls become
// tool_use blocks and "tool" messages become tool_result blocks on a user
// turn.
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = defaultMaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "tool":
			block := anthropicContentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}
			// Consecutive tool results belong in one user turn.
			if n := len(ar.Messages); n > 0 && ar.Messages[n-1].Role == "user" && isToolResultTurn(ar.Messages[n-1]) {
				ar.Messages[n-1].Content = append(ar.Messages[n-1].Content, block)
			} else {
				ar.Messages = append(ar.Messages, anthropicMessage{Role: "user", Content: []anthropicContentBlock{block}})
			}

		default:
			m := anthropicMessage{Role: msg.Role}
			if msg.Content != "" {
				m.Content = append(m.Content, anthropicContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				m.Content = append(m.Content, anthropicContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			ar.Messages = append(ar.Messages, m)
		}
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		ar.Tools = append(ar.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return ar
}

func isToolResultTurn(m anthropicMessage) bool {
	for _, b := range m.Content {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(m.Content) > 0
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to /messages.
func (a *Anthropic) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	key, err := a.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(toAnthropicRequest(req), req.Options)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := a.client.JSON(ctx, http.MethodPost, "/messages", key, payload, &resp); err != nil {
		return nil, err
	}

	// Content is an array of blocks: text and tool_use, in order.
	out := &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: resp.StopReason,
		Usage: canonical.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{ID: block.ID, Name: block.Name, Arguments: string(block.Input)})
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

// ChatCompletionStream sends a streaming request to /messages. Same
// endpoint as non-streaming; "stream": true switches Anthropic to SSE.
func (a *Anthropic) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*canonical.Stream, error) {
	key, err := a.credential()
	if err != nil {
		return nil, err
	}
	ar := toAnthropicRequest(req)
	ar.Stream = true
	payload, err := transport.MergeOptions(ar, req.Options)
	if err != nil {
		return nil, err
	}

	body, err := a.client.Stream(ctx, "/messages", key, payload)
	if err != nil {
		return nil, err
	}
	return stream.NormalizeDeltas(ctx, body, newAnthropicDecoder(a.Provider), a.streamOptions(stream.FramingSSE)), nil
}

// anthropicStreamEvent holds every field of Anthropic's named SSE events;
// the "type" field says which ones are set:
//
//	message_start       → message.usage.input_tokens
//	content_block_start → index, content_block (text or tool_use id+name)
//	content_block_delta → index, delta (text_delta or input_json_delta)
//	content_block_stop  → index
//	message_delta       → delta.stop_reason, usage.output_tokens
//	message_stop        → end of stream
//	error               → error.type, error.message
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// newAnthropicDecoder tracks which content block index is which tool call.
// Anthropic closes each tool_use block with content_block_stop, so calls
// are completed one by one rather than at the finish marker.
func newAnthropicDecoder(provider string) stream.DeltaDecoder {
	// named is set once the first fragment (which carries the name) is
	// out; hasArgs once any non-empty argument text arrived.
	type toolBlock struct {
		id, name string
		named    bool
		hasArgs  bool
	}
	blocks := make(map[int]*toolBlock)
	var inputTokens int

	return func(payload []byte) (stream.DeltaChunk, error) {
		var ev anthropicStreamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return stream.DeltaChunk{}, err
		}

		var out stream.DeltaChunk
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				inputTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				break
			}
			switch ev.Delta.Type {
			case "text_delta":
				out.Text = ev.Delta.Text
			case "input_json_delta":
				b, ok := blocks[ev.Index]
				if !ok {
					return out, fmt.Errorf("input_json_delta for block %d without tool_use start", ev.Index)
				}
				if ev.Delta.PartialJSON == "" && b.named {
					break
				}
				frag := stream.ToolFragment{CallID: b.id, Arguments: ev.Delta.PartialJSON}
				if !b.named {
					frag.Name = b.name
					b.named = true
				}
				if ev.Delta.PartialJSON != "" {
					b.hasArgs = true
				}
				out.Tools = append(out.Tools, frag)
			}

		case "content_block_stop":
			b, ok := blocks[ev.Index]
			if !ok {
				break
			}
			delete(blocks, ev.Index)
			// A tool with no parameters streams no input, or only the empty
			// opening delta. Its arguments are still a JSON object.
			if !b.hasArgs {
				frag := stream.ToolFragment{CallID: b.id, Arguments: "{}"}
				if !b.named {
					frag.Name = b.name
				}
				out.Tools = append(out.Tools, frag)
			}
			out.Close = []string{b.id}

		case "message_delta":
			if ev.Delta != nil {
				out.Finish = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				out.Usage = &canonical.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      inputTokens + ev.Usage.OutputTokens,
				}
			}

		case "message_stop":
			out.Done = true

		case "error":
			e := &gwerr.Error{Kind: gwerr.KindUpstreamHTTP, Provider: provider, Message: "stream error"}
			if ev.Error != nil {
				e.Message = ev.Error.Message
				e.Body = ev.Error.Type
			}
			out.Err = e

			// ping and unknown future event types carry nothing we need.
		}
		return out, nil
	}
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

// ListModels calls GET /models.
func (a *Anthropic) ListModels(ctx context.Context) ([]ModelSummary, error) {
	key, err := a.credential()
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.client.JSON(ctx, http.MethodGet, "/models?limit=1000", key, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]ModelSummary, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, ModelSummary{Provider: a.Provider, ID: m.ID, OwnedBy: "anthropic"})
	}
	return out, nil
}
