package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/stream"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// ---------------------------------------------------------------------------
// OpenAI struct + constructor
// ---------------------------------------------------------------------------

// OpenAI implements Handle for OpenAI's API and for every vendor that
// speaks the same protocol (Groq, Together, Mistral, DeepSeek, vLLM...);
// those differ only in base URL and key.
type OpenAI struct {
	base
}

const openAIBaseURL = "https://api.openai.com/v1"

// NewOpenAI creates an OpenAI-compatible handle.
func NewOpenAI(s Settings, d Deps) *OpenAI {
	return &OpenAI{base: newBase(s, d, openAIBaseURL, transport.Bearer, nil)}
}

// Capabilities reports the full OpenAI surface.
func (o *OpenAI) Capabilities() CapabilitySet {
	return NewCapabilitySet(
		CapChat, CapChatStream, CapRespond, CapRespondStream, CapListModels, CapSample,
		CapImage, CapSpeech, CapTranscription, CapRealtimeSession,
	)
}

// ---------------------------------------------------------------------------
// Chat completions API types (unexported)
// ---------------------------------------------------------------------------

type openaiChatRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

// openaiStreamOptions asks for a final usage chunk; OpenAI omits usage from
// streams otherwise.
type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u openaiUsage) canonical() canonical.Usage {
	return canonical.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func toOpenAIMessages(msgs []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openaiFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []Tool) []openaiTool {
	out := make([]openaiTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func toOpenAIChatRequest(req *ChatRequest, streaming bool) *openaiChatRequest {
	r := &openaiChatRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      streaming,
	}
	if len(req.Tools) > 0 {
		r.Tools = toOpenAITools(req.Tools)
	}
	if streaming {
		r.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	return r
}

// ---------------------------------------------------------------------------
// Chat completions
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to /chat/completions.
func (o *OpenAI) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(toOpenAIChatRequest(req, false), req.Options)
	if err != nil {
		return nil, err
	}

	var resp openaiChatResponse
	if err := o.client.JSON(ctx, http.MethodPost, "/chat/completions", key, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, gwerr.Protocol(o.Provider, "response has no choices")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage.canonical(),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// ChatCompletionStream sends a streaming request to /chat/completions and
// normalizes the delta chunks.
func (o *OpenAI) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*canonical.Stream, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(toOpenAIChatRequest(req, true), req.Options)
	if err != nil {
		return nil, err
	}

	body, err := o.client.Stream(ctx, "/chat/completions", key, payload)
	if err != nil {
		return nil, err
	}
	return stream.NormalizeDeltas(ctx, body, newOpenAIChatDecoder(o.Provider), o.streamOptions(stream.FramingSSE)), nil
}

// openaiChatChunk is one "chat.completion.chunk" event:
//
//	data: {"choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}
//
// Tool calls are streamed by index. Only the first fragment of each call
// carries its id and name.
type openaiChatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// newOpenAIChatDecoder returns a decoder that translates OpenAI's tool
// call indexes into call ids. It is stateful; use one per stream.
func newOpenAIChatDecoder(provider string) stream.DeltaDecoder {
	ids := make(map[int]string)

	return func(payload []byte) (stream.DeltaChunk, error) {
		var c openaiChatChunk
		if err := json.Unmarshal(payload, &c); err != nil {
			return stream.DeltaChunk{}, err
		}

		var out stream.DeltaChunk
		if c.Error != nil {
			out.Err = &gwerr.Error{Kind: gwerr.KindUpstreamHTTP, Provider: provider, Message: c.Error.Message, Body: c.Error.Type}
			return out, nil
		}
		if c.Usage != nil {
			u := c.Usage.canonical()
			out.Usage = &u
		}
		if len(c.Choices) == 0 {
			// The usage-only chunk that closes an include_usage stream.
			return out, nil
		}

		choice := c.Choices[0]
		out.Text = choice.Delta.Content
		for _, tc := range choice.Delta.ToolCalls {
			id, known := ids[tc.Index]
			if !known {
				id = tc.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", tc.Index)
				}
				ids[tc.Index] = id
			}
			out.Tools = append(out.Tools, stream.ToolFragment{
				CallID:    id,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if choice.FinishReason != nil {
			out.Finish = *choice.FinishReason
		}
		return out, nil
	}
}

// ---------------------------------------------------------------------------
// Responses API
// ---------------------------------------------------------------------------

type openaiResponsesRequest struct {
	Model           string                `json:"model"`
	Instructions    string                `json:"instructions,omitempty"`
	Input           any                   `json:"input"`
	Tools           []openaiResponsesTool `json:"tools,omitempty"`
	MaxOutputTokens int                   `json:"max_output_tokens,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
}

// openaiResponsesTool is flatter than the chat completions tool shape.
type openaiResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponsesResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		CallID  string `json:"call_id"`
		Name    string `json:"name"`
		Args    string `json:"arguments"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func toOpenAIResponsesRequest(req *ResponseRequest, streaming bool) *openaiResponsesRequest {
	r := &openaiResponsesRequest{
		Model:           req.Model,
		Instructions:    req.Instructions,
		Input:           req.Input,
		MaxOutputTokens: req.MaxOutputTokens,
		Stream:          streaming,
	}
	if len(req.Messages) > 0 {
		msgs := make([]openaiInputMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, openaiInputMessage{Role: m.Role, Content: m.Content})
		}
		r.Input = msgs
	}
	for _, t := range req.Tools {
		r.Tools = append(r.Tools, openaiResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return r
}

// Respond sends a non-streaming request to /responses.
func (o *OpenAI) Respond(ctx context.Context, req *ResponseRequest) (*ChatResponse, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(toOpenAIResponsesRequest(req, false), req.Options)
	if err != nil {
		return nil, err
	}

	var resp openaiResponsesResponse
	if err := o.client.JSON(ctx, http.MethodPost, "/responses", key, payload, &resp); err != nil {
		return nil, err
	}

	out := &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: resp.Status,
		Usage: canonical.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					out.Content += c.Text
				}
			}
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, canonical.ToolCall{ID: item.CallID, Name: item.Name, Arguments: item.Args})
		}
	}
	return out, nil
}

// RespondStream sends a streaming request to /responses and normalizes the
// sequenced events.
func (o *OpenAI) RespondStream(ctx context.Context, req *ResponseRequest) (*canonical.Stream, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(toOpenAIResponsesRequest(req, true), req.Options)
	if err != nil {
		return nil, err
	}

	body, err := o.client.Stream(ctx, "/responses", key, payload)
	if err != nil {
		return nil, err
	}
	return stream.NormalizeSequenced(ctx, body, newOpenAIResponsesDecoder(), o.streamOptions(stream.FramingSSE)), nil
}

// newOpenAIResponsesDecoder decodes Responses API stream events:
//
//	data: {"type":"response.output_text.delta","sequence_number":4,"item_id":"msg_1","delta":"Hi"}
//
// Argument deltas are keyed by item id; the call id and name arrive once,
// on "response.output_item.added", and are remembered here.
func newOpenAIResponsesDecoder() stream.SequencedDecoder {
	type call struct{ id, name string }
	items := make(map[string]call)

	return func(payload []byte) (stream.SequencedEvent, error) {
		if !gjson.ValidBytes(payload) {
			return stream.SequencedEvent{}, fmt.Errorf("invalid JSON")
		}
		doc := gjson.ParseBytes(payload)

		var ev stream.SequencedEvent
		if n := doc.Get("sequence_number"); n.Exists() {
			seq := n.Int()
			ev.VendorSeq = &seq
		}

		usage := func() *canonical.Usage {
			u := doc.Get("response.usage")
			if !u.Exists() {
				return nil
			}
			return &canonical.Usage{
				PromptTokens:     int(u.Get("input_tokens").Int()),
				CompletionTokens: int(u.Get("output_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}

		switch doc.Get("type").String() {
		case "response.created":
			ev.Type = stream.SeqInProgress
			ev.ResponseID = doc.Get("response.id").String()

		case "response.output_item.added":
			if doc.Get("item.type").String() == "function_call" {
				items[doc.Get("item.id").String()] = call{
					id:   doc.Get("item.call_id").String(),
					name: doc.Get("item.name").String(),
				}
			}
			ev.Type = stream.SeqIgnored

		case "response.output_text.delta":
			ev.Type = stream.SeqTextDelta
			ev.Text = doc.Get("delta").String()

		case "response.function_call_arguments.delta":
			c := items[doc.Get("item_id").String()]
			ev.Type = stream.SeqToolArgsDelta
			ev.CallID, ev.Name = c.id, c.name
			ev.Arguments = doc.Get("delta").String()

		case "response.function_call_arguments.done":
			c := items[doc.Get("item_id").String()]
			ev.Type = stream.SeqToolArgsDone
			ev.CallID, ev.Name = c.id, c.name
			ev.Arguments = doc.Get("arguments").String()

		case "response.completed":
			ev.Type = stream.SeqCompleted
			ev.Usage = usage()
			ev.FinishReason = "completed"

		case "response.incomplete":
			ev.Type = stream.SeqCompleted
			ev.Usage = usage()
			ev.FinishReason = doc.Get("response.incomplete_details.reason").String()

		case "response.failed":
			ev.Type = stream.SeqFailed
			ev.Usage = usage()
			ev.ErrorCode = doc.Get("response.error.code").String()
			ev.ErrorMessage = doc.Get("response.error.message").String()

		case "error":
			ev.Type = stream.SeqFailed
			ev.ErrorCode = doc.Get("code").String()
			ev.ErrorMessage = doc.Get("message").String()

		default:
			ev.Type = stream.SeqIgnored
		}
		return ev, nil
	}
}

// ---------------------------------------------------------------------------
// Models, completions, images
// ---------------------------------------------------------------------------

// ListModels calls GET /models.
func (o *OpenAI) ListModels(ctx context.Context) ([]ModelSummary, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
			Created int64  `json:"created"`
		} `json:"data"`
	}
	if err := o.client.JSON(ctx, http.MethodGet, "/models", key, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]ModelSummary, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, ModelSummary{Provider: o.Provider, ID: m.ID, OwnedBy: m.OwnedBy, Created: m.Created})
	}
	return out, nil
}

// Sample calls the legacy /completions endpoint.
func (o *OpenAI) Sample(ctx context.Context, req *SampleRequest) (*SampleResponse, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(struct {
		Model     string `json:"model"`
		Prompt    string `json:"prompt"`
		MaxTokens int    `json:"max_tokens,omitempty"`
	}{req.Model, req.Prompt, req.MaxTokens}, req.Options)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage openaiUsage `json:"usage"`
	}
	if err := o.client.JSON(ctx, http.MethodPost, "/completions", key, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, gwerr.Protocol(o.Provider, "response has no choices")
	}
	return &SampleResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Text:         resp.Choices[0].Text,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage.canonical(),
	}, nil
}

// GenerateImage calls /images/generations.
func (o *OpenAI) GenerateImage(ctx context.Context, req *ImageRequest) (*MediaResponse, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		N      int    `json:"n,omitempty"`
		Size   string `json:"size,omitempty"`
	}{req.Model, req.Prompt, req.N, req.Size}, req.Options)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			URL           string `json:"url"`
			B64JSON       []byte `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := o.client.JSON(ctx, http.MethodPost, "/images/generations", key, payload, &resp); err != nil {
		return nil, err
	}

	out := &MediaResponse{}
	for _, d := range resp.Data {
		m := Media{URL: d.URL, Data: d.B64JSON, RevisedPrompt: d.RevisedPrompt}
		if len(d.B64JSON) > 0 {
			m.MediaType = "image/png"
		}
		out.Media = append(out.Media, m)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Audio
// ---------------------------------------------------------------------------

// Speak calls /audio/speech, which answers with raw audio bytes.
func (o *OpenAI) Speak(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(struct {
		Model          string `json:"model"`
		Input          string `json:"input"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format,omitempty"`
	}{req.Model, req.Input, req.Voice, req.Format}, req.Options)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var out SpeechResponse
	err = o.client.Call(ctx, func(ctx context.Context) error {
		resp, err := o.client.Do(ctx, transport.Request{
			Method:      http.MethodPost,
			Path:        "/audio/speech",
			Body:        bytes.NewReader(body),
			ContentType: "application/json",
			Credential:  key,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctxErr := gwerr.FromContext(ctx); ctxErr != nil {
				return ctxErr
			}
			return gwerr.Wrap(gwerr.KindUpstreamProtocol, err, "reading audio")
		}
		out = SpeechResponse{Audio: audio, MediaType: resp.Header.Get("Content-Type")}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Transcribe uploads the audio to /audio/transcriptions as multipart form
// data.
func (o *OpenAI) Transcribe(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	if req.Audio == nil {
		return nil, gwerr.New(gwerr.KindInvalidArgument, "transcription needs audio")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	filename := req.Filename
	if filename == "" {
		filename = "audio"
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return nil, fmt.Errorf("copying audio: %w", err)
	}
	fields := map[string]string{"model": req.Model, "response_format": "verbose_json"}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	for k, v := range req.Options {
		fields[k] = fmt.Sprint(v)
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("writing form field %s: %w", k, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("closing form: %w", err)
	}

	var out struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	err = o.client.Call(ctx, func(ctx context.Context) error {
		resp, err := o.client.Do(ctx, transport.Request{
			Method:      http.MethodPost,
			Path:        "/audio/transcriptions",
			Body:        &buf,
			ContentType: form.FormDataContentType(),
			Credential:  key,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			if ctxErr := gwerr.FromContext(ctx); ctxErr != nil {
				return ctxErr
			}
			return gwerr.Protocol(o.Provider, fmt.Sprintf("decoding transcription: %v", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TranscriptionResponse{Text: out.Text, Language: out.Language, Duration: out.Duration}, nil
}

// ---------------------------------------------------------------------------
// Realtime
// ---------------------------------------------------------------------------

// CreateRealtimeSession mints an ephemeral client secret via
// /realtime/sessions.
func (o *OpenAI) CreateRealtimeSession(ctx context.Context, req *RealtimeSessionRequest) (*RealtimeSession, error) {
	key, err := o.credential()
	if err != nil {
		return nil, err
	}
	payload, err := transport.MergeOptions(struct {
		Model        string `json:"model"`
		Voice        string `json:"voice,omitempty"`
		Instructions string `json:"instructions,omitempty"`
	}{req.Model, req.Voice, req.Instructions}, req.Options)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID           string `json:"id"`
		Model        string `json:"model"`
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := o.client.JSON(ctx, http.MethodPost, "/realtime/sessions", key, payload, &resp); err != nil {
		return nil, err
	}
	if resp.ClientSecret.Value == "" {
		return nil, gwerr.Protocol(o.Provider, "realtime session without client secret")
	}

	session := &RealtimeSession{
		ID:           resp.ID,
		Model:        resp.Model,
		ClientSecret: resp.ClientSecret.Value,
		ExpiresAt:    time.Unix(resp.ClientSecret.ExpiresAt, 0).UTC(),
	}
	// Some compatible servers don't return a session id.
	if session.ID == "" {
		session.ID = "sess_" + uuid.NewString()
	}
	if session.Model == "" {
		session.Model = req.Model
	}
	return session, nil
}
