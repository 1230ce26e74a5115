package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/provider"
	"github.com/howard-nolan/modelgate/internal/registry"
	"github.com/howard-nolan/modelgate/internal/stream"
)

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleModels handles GET /v1/models: the union of every provider's
// models, with gateway identifiers as ids. A provider that fails to list
// is left out rather than failing the request.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.registry.ListAllModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data := make([]modelObject, 0, len(models))
	for _, m := range models {
		data = append(data, modelObject{
			ID:       registry.ModelID{Provider: m.Provider, Model: m.ID}.String(),
			Object:   "model",
			Created:  m.Created,
			OwnedBy:  m.OwnedBy,
			Provider: m.Provider,
		})
	}
	writeJSON(w, http.StatusOK, listResponse[modelObject]{Object: "list", Data: data})
}

// handleChatCompletions handles POST /v1/chat/completions. With
// "stream": true the answer is OpenAI-compatible chunk SSE.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	req := &provider.ChatRequest{
		Model:       target.Model,
		Messages:    toMessages(body.Messages),
		Tools:       toTools(body.Tools),
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Options:     body.Options,
	}

	if body.Stream {
		st, err := target.Handle.ChatCompletionStream(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		// Headers are sent with the first event; from here on a failure
		// can only be reported in-band, which Write does.
		if err := stream.Write(w, st, stream.ChunkMeta{ID: "chatcmpl-" + st.ID, Model: body.Model}); err != nil {
			s.logStreamError(r, target, err)
		}
		return
	}

	resp, err := target.Handle.ChatCompletion(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   body.Model,
		Choices: []chatChoice{{
			Index: 0,
			Message: chatMessage{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: fromToolCalls(resp.ToolCalls),
			},
			FinishReason: finishOrStop(resp.FinishReason),
		}},
		Usage: usagePtr(resp.Usage),
	})
}

// handleResponses handles POST /v1/responses. A streamed answer is the
// canonical event stream itself, one SSE event per canonical event.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var body responsesRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	req := &provider.ResponseRequest{
		Model:           target.Model,
		Instructions:    body.Instructions,
		Input:           body.Input,
		Messages:        toMessages(body.Messages),
		Tools:           toTools(body.Tools),
		MaxOutputTokens: body.MaxOutputTokens,
		Options:         body.Options,
	}
	if len(body.Messages) == 0 {
		req.Messages = nil
	}

	if body.Stream {
		st, err := target.Handle.RespondStream(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := stream.WriteEvents(w, st); err != nil {
			s.logStreamError(r, target, err)
		}
		return
	}

	resp, err := target.Handle.Respond(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, responsesResponse{
		ID:           resp.ID,
		Object:       "response",
		Model:        body.Model,
		OutputText:   resp.Content,
		ToolCalls:    fromToolCalls(resp.ToolCalls),
		FinishReason: resp.FinishReason,
		Usage:        usagePtr(resp.Usage),
	})
}

// handleCompletions handles POST /v1/completions, the legacy one-shot
// prompt endpoint.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	resp, err := target.Handle.Sample(r.Context(), &provider.SampleRequest{
		Model:     target.Model,
		Prompt:    body.Prompt,
		MaxTokens: body.MaxTokens,
		Options:   body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   body.Model,
		Choices: []completionChoice{{Index: 0, Text: resp.Text, FinishReason: finishOrStop(resp.FinishReason)}},
		Usage:   usagePtr(resp.Usage),
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// decodeAndResolve decodes the JSON body into dst and resolves the model
// identifier it carries. On failure it writes the error response and
// returns false.
func (s *Server) decodeAndResolve(w http.ResponseWriter, r *http.Request, dst any, model *string) (*registry.Target, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, gwerr.Wrap(gwerr.KindInvalidArgument, err, "invalid request body"))
		return nil, false
	}
	return s.resolve(w, r, *model)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, model string) (*registry.Target, bool) {
	if strings.TrimSpace(model) == "" {
		s.writeError(w, r, gwerr.New(gwerr.KindInvalidArgument, "model is required"))
		return nil, false
	}
	target, err := s.registry.Resolve(model)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return target, true
}

// writeError answers with the status that matches the error's kind. Vendor
// and gateway failures are logged; caller mistakes and unsupported
// operations are not.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := gwerr.HTTPStatus(err)
	body := errorBody{
		Type:      string(gwerr.KindOf(err)),
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	if body.Type == "" {
		body.Type = "internal_error"
	}

	var gwErr *gwerr.Error
	if errors.As(err, &gwErr) {
		body.Provider = gwErr.Provider
		body.Status = gwErr.Status
	}

	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		s.logger.Warn("request failed",
			zap.String("request_id", body.RequestID),
			zap.String("path", r.URL.Path),
			zap.String("kind", body.Type),
			zap.String("provider", body.Provider),
			zap.Int("upstream_status", body.Status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: body})
}

// logStreamError records a stream that failed after its headers were
// sent. The client already got the in-band error event.
func (s *Server) logStreamError(r *http.Request, target *registry.Target, err error) {
	level := zap.WarnLevel
	if gwerr.KindOf(err) == gwerr.KindCancelled {
		level = zap.DebugLevel
	}
	s.logger.Log(level, "stream ended with error",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("provider", target.Handle.ID()),
		zap.String("model", target.Model),
		zap.String("kind", string(gwerr.KindOf(err))),
		zap.Error(err),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBytes(w http.ResponseWriter, mediaType string, data []byte) {
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func finishOrStop(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}
