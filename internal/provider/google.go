package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/stream"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// ---------------------------------------------------------------------------
// Google struct + constructor
// ---------------------------------------------------------------------------

// Google implements Handle for the Gemini API: chat over generateContent
// and video over long-running predict operations.
type Google struct {
	base
}

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// NewGoogle creates a Google handle. The API key goes as a query parameter
// (?key=...), which is unusual; most APIs put it in a header.
func NewGoogle(s Settings, d Deps) *Google {
	return &Google{base: newBase(s, d, googleBaseURL, transport.Query("key"), nil)}
}

// Capabilities reports chat, streaming chat, model listing and video.
func (g *Google) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapChat, CapChatStream, CapListModels, CapVideo)
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

// geminiRequest is the top-level request body for generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it supports
// multimodal input; text, function calls and function responses are all
// parts.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

// geminiFunctionCall arrives whole: Gemini never streams arguments in
// pieces, and has no call ids.
type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// geminiResponse is both the generateContent response and one
// streamGenerateContent SSE event.
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
	ResponseID    string               `json:"responseId"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *geminiUsageMetadata) canonical() canonical.Usage {
	return canonical.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates a ChatRequest:
//  1. System messages go into systemInstruction
//  2. Messages become contents with parts; "assistant" becomes "model"
//  3. Tool calls and results become functionCall / functionResponse parts
//  4. max_tokens becomes maxOutputTokens inside generationConfig
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{}

	// Gemini matches function responses to calls by name, so remember the
	// name behind every call id we've seen.
	callNames := make(map[string]string)

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})

		case "tool":
			name := msg.Name
			if name == "" {
				name = callNames[msg.ToolCallID]
			}
			response := json.RawMessage(msg.Content)
			if !json.Valid(response) {
				response, _ = json.Marshal(map[string]string{"result": msg.Content})
			}
			gr.Contents = append(gr.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResponse{Name: name, Response: response}}},
			})

		default:
			role := msg.Role
			if role == "assistant" {
				role = "model"
			}
			c := geminiContent{Role: role}
			if msg.Content != "" {
				c.Parts = append(c.Parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Name
				c.Parts = append(c.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: json.RawMessage(tc.Arguments)}})
			}
			gr.Contents = append(gr.Contents, c)
		}
	}

	if len(req.Tools) > 0 {
		var decls []geminiFunctionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		gr.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	if req.MaxTokens > 0 || req.Temperature != nil {
		gr.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	return gr
}

func geminiModelPath(model, method string) string {
	return fmt.Sprintf("/models/%s:%s", url.PathEscape(model), method)
}

// geminiCallID synthesizes an id for the i-th function call of a response.
func geminiCallID(name string, i int) string {
	return fmt.Sprintf("%s_%d", name, i)
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion calls {baseURL}/models/{model}:generateContent.
func (g *Google) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	key, err := g.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(toGeminiRequest(req), req.Options)
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := g.client.JSON(ctx, http.MethodPost, geminiModelPath(req.Model, "generateContent"), key, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, gwerr.Protocol(g.Provider, "response has no candidates")
	}

	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}
	candidate := resp.Candidates[0]
	out := &ChatResponse{ID: resp.ResponseID, Model: model, FinishReason: candidate.FinishReason}
	for i, part := range candidate.Content.Parts {
		if part.FunctionCall != nil {
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{
				ID:        geminiCallID(part.FunctionCall.Name, i),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
			continue
		}
		out.Content += part.Text
	}
	if resp.UsageMetadata != nil {
		out.Usage = resp.UsageMetadata.canonical()
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

// ChatCompletionStream calls streamGenerateContent?alt=sse. Every SSE event
// has the same shape as a non-streaming response, carrying only the new
// text; function calls arrive whole and are completed immediately.
func (g *Google) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*canonical.Stream, error) {
	key, err := g.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(toGeminiRequest(req), req.Options)
	if err != nil {
		return nil, err
	}

	body, err := g.client.Stream(ctx, geminiModelPath(req.Model, "streamGenerateContent")+"?alt=sse", key, payload)
	if err != nil {
		return nil, err
	}
	return stream.NormalizeDeltas(ctx, body, newGeminiDecoder(), g.streamOptions(stream.FramingSSE)), nil
}

func newGeminiDecoder() stream.DeltaDecoder {
	calls := 0

	return func(payload []byte) (stream.DeltaChunk, error) {
		var resp geminiResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return stream.DeltaChunk{}, err
		}

		var out stream.DeltaChunk
		if resp.UsageMetadata != nil {
			u := resp.UsageMetadata.canonical()
			out.Usage = &u
		}
		if len(resp.Candidates) == 0 {
			return out, nil
		}

		candidate := resp.Candidates[0]
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if fc := part.FunctionCall; fc != nil {
				id := geminiCallID(fc.Name, calls)
				calls++
				args := string(fc.Args)
				if args == "" {
					args = "{}"
				}
				out.Tools = append(out.Tools, stream.ToolFragment{CallID: id, Name: fc.Name, Arguments: args})
				out.Close = append(out.Close, id)
				continue
			}
			text.WriteString(part.Text)
		}
		out.Text = text.String()
		out.Finish = candidate.FinishReason
		return out, nil
	}
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

// ListModels calls GET /models. Gemini names models "models/<id>".
func (g *Google) ListModels(ctx context.Context) ([]ModelSummary, error) {
	key, err := g.credential()
	if err != nil {
		return nil, err
	}

	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := g.client.JSON(ctx, http.MethodGet, "/models?pageSize=1000", key, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]ModelSummary, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelSummary{Provider: g.Provider, ID: strings.TrimPrefix(m.Name, "models/"), OwnedBy: "google"})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Video: long-running operations
// ---------------------------------------------------------------------------

// geminiOperation is a long-running operation:
//
//	{"name":"models/veo-3.0/operations/abc","done":true,"response":{...}}
//
// The result payload is deeply nested and differs between model versions,
// so it is kept raw and picked apart with gjson.
type geminiOperation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Response json.RawMessage `json:"response"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateVideo submits a predictLongRunning job and polls the operation
// until it is done.
func (g *Google) GenerateVideo(ctx context.Context, req *VideoRequest) (*MediaResponse, error) {
	key, err := g.credential()
	if err != nil {
		return nil, err
	}

	params := map[string]any{}
	if req.DurationSeconds > 0 {
		params["durationSeconds"] = req.DurationSeconds
	}
	if req.AspectRatio != "" {
		params["aspectRatio"] = req.AspectRatio
	}
	payload, err := transport.MergeOptions(map[string]any{
		"instances":  []map[string]string{{"prompt": req.Prompt}},
		"parameters": params,
	}, req.Options)
	if err != nil {
		return nil, err
	}

	var op geminiOperation
	if err := g.client.JSON(ctx, http.MethodPost, geminiModelPath(req.Model, "predictLongRunning"), key, payload, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		return nil, gwerr.Protocol(g.Provider, "operation without name")
	}

	if !op.Done {
		op, err = pollJob(ctx, &g.base, func(ctx context.Context) (geminiOperation, error) {
			// Re-resolved each attempt: a rotated key applies to the next poll.
			key, err := g.credential()
			if err != nil {
				return geminiOperation{}, err
			}
			var current geminiOperation
			err = g.client.JSON(ctx, http.MethodGet, "/"+op.Name, key, nil, &current)
			return current, err
		}, func(o geminiOperation) bool { return o.Done })
		if err != nil {
			return nil, err
		}
	}

	if op.Error != nil {
		return nil, &gwerr.Error{
			Kind:     gwerr.KindUpstreamHTTP,
			Provider: g.Provider,
			Op:       string(CapVideo),
			Message:  fmt.Sprintf("operation failed (code %d): %s", op.Error.Code, op.Error.Message),
		}
	}

	out := &MediaResponse{ID: op.Name}
	gjson.GetBytes(op.Response, "generateVideoResponse.generatedSamples").ForEach(func(_, sample gjson.Result) bool {
		out.Media = append(out.Media, Media{
			URL:       sample.Get("video.uri").String(),
			MediaType: "video/mp4",
		})
		return true
	})
	if len(out.Media) == 0 {
		return nil, gwerr.Protocol(g.Provider, "finished operation has no videos")
	}
	return out, nil
}
