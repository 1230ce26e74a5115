// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/howard-nolan/modelgate/internal/registry"
)

// maxBodyBytes caps JSON request bodies. Transcription uploads have their
// own, larger limit.
const (
	maxBodyBytes  = 4 << 20
	maxAudioBytes = 25 << 20
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router   chi.Router
	registry *registry.Registry
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

// Options are the optional dependencies of a Server.
type Options struct {
	// Logger receives upstream failures and mid-stream write errors.
	// Defaults to a no-op logger.
	Logger *zap.Logger

	// Gatherer is served on /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(reg *registry.Registry, opts Options) *Server {
	s := &Server{registry: reg, logger: opts.Logger, gatherer: opts.Gatherer}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// RequestID first so the logger and error bodies can reference it.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/responses", s.handleResponses)
		r.Post("/completions", s.handleCompletions)
		r.Post("/images/generations", s.handleImages)
		r.Post("/videos", s.handleVideos)
		r.Post("/audio/speech", s.handleSpeech)
		r.Post("/audio/transcriptions", s.handleTranscriptions)
		r.Post("/rerank", s.handleRerank)
		r.Post("/realtime/sessions", s.handleRealtimeSessions)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
