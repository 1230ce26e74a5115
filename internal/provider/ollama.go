package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/stream"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// Ollama implements Handle for a local or hosted Ollama server. Its
// streaming endpoint writes newline-delimited JSON rather than SSE.
type Ollama struct {
	base
}

const ollamaBaseURL = "http://localhost:11434"

// NewOllama creates an Ollama handle. A credential is optional: a local
// server needs none, a hosted one takes a bearer token.
func NewOllama(s Settings, d Deps) *Ollama {
	return &Ollama{base: newBase(s, d, ollamaBaseURL, transport.Bearer, nil)}
}

// Capabilities reports chat, streaming chat and model listing.
func (o *Ollama) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapChat, CapChatStream, CapListModels)
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

// ollamaToolCall carries arguments as a JSON object, not a string.
type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ollamaChatResponse is both the non-streaming response and one NDJSON
// line of a stream. Token counts appear on the final ("done") line.
type ollamaChatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func (r *ollamaChatResponse) usage() canonical.Usage {
	return canonical.Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

func toOllamaRequest(req *ChatRequest, streaming bool) *ollamaChatRequest {
	r := &ollamaChatRequest{Model: req.Model, Stream: streaming}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.Name}
		for _, tc := range m.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = json.RawMessage(tc.Arguments)
			if len(call.Function.Arguments) == 0 {
				call.Function.Arguments = json.RawMessage(`{}`)
			}
			om.ToolCalls = append(om.ToolCalls, call)
		}
		r.Messages = append(r.Messages, om)
	}
	if len(req.Tools) > 0 {
		r.Tools = toOpenAITools(req.Tools)
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		r.Options = &ollamaOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature}
	}
	return r
}

// ChatCompletion calls POST /api/chat with stream disabled.
func (o *Ollama) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload, err := transport.MergeOptions(toOllamaRequest(req, false), req.Options)
	if err != nil {
		return nil, err
	}

	var resp ollamaChatResponse
	if err := o.client.JSON(ctx, http.MethodPost, "/api/chat", o.optionalCredential(), payload, &resp); err != nil {
		return nil, err
	}

	out := &ChatResponse{
		Model:        resp.Model,
		Content:      resp.Message.Content,
		FinishReason: resp.DoneReason,
		Usage:        resp.usage(),
	}
	for i, tc := range resp.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{
			ID:        ollamaCallID(tc.Function.Name, i),
			Name:      tc.Function.Name,
			Arguments: string(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatCompletionStream calls POST /api/chat and normalizes the NDJSON
// lines.
func (o *Ollama) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*canonical.Stream, error) {
	payload, err := transport.MergeOptions(toOllamaRequest(req, true), req.Options)
	if err != nil {
		return nil, err
	}

	body, err := o.client.Stream(ctx, "/api/chat", o.optionalCredential(), payload)
	if err != nil {
		return nil, err
	}
	return stream.NormalizeDeltas(ctx, body, newOllamaDecoder(o.Provider), o.streamOptions(stream.FramingNDJSON)), nil
}

func ollamaCallID(name string, i int) string {
	return "call_" + name + "_" + strconv.Itoa(i)
}

func newOllamaDecoder(provider string) stream.DeltaDecoder {
	calls := 0

	return func(payload []byte) (stream.DeltaChunk, error) {
		var line ollamaChatResponse
		if err := json.Unmarshal(payload, &line); err != nil {
			return stream.DeltaChunk{}, err
		}

		var out stream.DeltaChunk
		if line.Error != "" {
			out.Err = upstreamMessage(provider, line.Error)
			return out, nil
		}

		out.Text = line.Message.Content
		for _, tc := range line.Message.ToolCalls {
			id := ollamaCallID(tc.Function.Name, calls)
			calls++
			args := string(tc.Function.Arguments)
			if args == "" {
				args = "{}"
			}
			out.Tools = append(out.Tools, stream.ToolFragment{CallID: id, Name: tc.Function.Name, Arguments: args})
			out.Close = append(out.Close, id)
		}
		if line.Done {
			u := line.usage()
			out.Usage = &u
			out.Finish = line.DoneReason
			out.Done = true
		}
		return out, nil
	}
}

// ListModels calls GET /api/tags, which lists the models pulled locally.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelSummary, error) {
	var resp struct {
		Models []struct {
			Name       string    `json:"name"`
			ModifiedAt time.Time `json:"modified_at"`
		} `json:"models"`
	}
	if err := o.client.JSON(ctx, http.MethodGet, "/api/tags", o.optionalCredential(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]ModelSummary, 0, len(resp.Models))
	for _, m := range resp.Models {
		var created int64
		if !m.ModifiedAt.IsZero() {
			created = m.ModifiedAt.Unix()
		}
		out = append(out, ModelSummary{Provider: o.Provider, ID: m.Name, OwnedBy: "library", Created: created})
	}
	return out, nil
}
