package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/provider"
)

// handleImages handles POST /v1/images/generations.
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	var body imageRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	resp, err := target.Handle.GenerateImage(r.Context(), &provider.ImageRequest{
		Model:   target.Model,
		Prompt:  body.Prompt,
		N:       body.N,
		Size:    body.Size,
		Options: body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMediaResponse(resp))
}

// handleVideos handles POST /v1/videos. Vendors run video generation as a
// job; the handler blocks until the job finishes or the polling bounds
// give up, so clients should use a generous timeout.
func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	var body videoRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	resp, err := target.Handle.GenerateVideo(r.Context(), &provider.VideoRequest{
		Model:           target.Model,
		Prompt:          body.Prompt,
		DurationSeconds: body.Duration,
		AspectRatio:     body.AspectRatio,
		Options:         body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMediaResponse(resp))
}

// handleSpeech handles POST /v1/audio/speech. The answer is the audio
// itself, not JSON.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var body speechRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	resp, err := target.Handle.Speak(r.Context(), &provider.SpeechRequest{
		Model:   target.Model,
		Input:   body.Input,
		Voice:   body.Voice,
		Format:  body.ResponseFormat,
		Options: body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBytes(w, resp.MediaType, resp.Audio)
}

// handleTranscriptions handles POST /v1/audio/transcriptions, a
// multipart upload with "file", "model" and optional "language" and
// "prompt" fields.
func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		s.writeError(w, r, gwerr.Wrap(gwerr.KindInvalidArgument, err, "invalid multipart body"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	target, ok := s.resolve(w, r, r.FormValue("model"))
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			err = gwerr.New(gwerr.KindInvalidArgument, "file is required")
		} else {
			err = gwerr.Wrap(gwerr.KindInvalidArgument, err, "reading upload")
		}
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	req := &provider.TranscriptionRequest{
		Model:    target.Model,
		Audio:    file,
		Filename: header.Filename,
		Language: r.FormValue("language"),
	}
	if prompt := r.FormValue("prompt"); prompt != "" {
		req.Options = map[string]any{"prompt": prompt}
	}
	if t := r.FormValue("temperature"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			s.writeError(w, r, gwerr.New(gwerr.KindInvalidArgument, "temperature %q is not a number", t))
			return
		}
		if req.Options == nil {
			req.Options = map[string]any{}
		}
		req.Options["temperature"] = v
	}

	resp, err := target.Handle.Transcribe(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptionResponse{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: resp.Duration,
	})
}

// handleRerank handles POST /v1/rerank.
func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	var body rerankRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	resp, err := target.Handle.Rerank(r.Context(), &provider.RerankRequest{
		Model:     target.Model,
		Query:     body.Query,
		Documents: body.Documents,
		TopN:      body.TopN,
		Options:   body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := rerankResponse{ID: resp.ID, Model: body.Model, Results: make([]rerankResult, 0, len(resp.Results))}
	for _, res := range resp.Results {
		out.Results = append(out.Results, rerankResult{
			Index:          res.Index,
			RelevanceScore: res.Score,
			Document:       res.Document,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRealtimeSessions handles POST /v1/realtime/sessions: it mints a
// short-lived client secret the caller uses to connect to the vendor
// directly. The gateway does not proxy the realtime connection itself.
func (s *Server) handleRealtimeSessions(w http.ResponseWriter, r *http.Request) {
	var body realtimeSessionRequest
	target, ok := s.decodeAndResolve(w, r, &body, &body.Model)
	if !ok {
		return
	}

	sess, err := target.Handle.CreateRealtimeSession(r.Context(), &provider.RealtimeSessionRequest{
		Model:        target.Model,
		Voice:        body.Voice,
		Instructions: body.Instructions,
		Options:      body.Options,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := realtimeSessionResponse{ID: sess.ID, Object: "realtime.session", Model: body.Model}
	out.ClientSecret.Value = sess.ClientSecret
	if !sess.ExpiresAt.IsZero() {
		out.ClientSecret.ExpiresAt = sess.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, out)
}

func toMediaResponse(resp *provider.MediaResponse) mediaResponse {
	out := mediaResponse{ID: resp.ID, Created: time.Now().Unix(), Data: make([]mediaObject, 0, len(resp.Media))}
	for _, m := range resp.Media {
		out.Data = append(out.Data, mediaObject{
			URL:           m.URL,
			B64JSON:       m.Data,
			MediaType:     m.MediaType,
			RevisedPrompt: m.RevisedPrompt,
		})
	}
	return out
}
