package provider

import (
	"context"
	"time"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/metrics"
	"github.com/howard-nolan/modelgate/internal/poll"
	"github.com/howard-nolan/modelgate/internal/stream"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// base carries what every adapter shares: the immutable transport, the
// credential lookup and the static model list.
type base struct {
	Unsupported

	client  *transport.Client
	creds   CredentialFunc
	models  []string
	polling poll.Options
	metrics *metrics.Collector
}

func newBase(s Settings, d Deps, defaultURL string, auth transport.Auth, headers map[string]string) base {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultURL
	}

	merged := make(map[string]string, len(headers)+len(s.Headers))
	for k, v := range headers {
		merged[k] = v
	}
	// Configured headers win, so a version pin can be overridden.
	for k, v := range s.Headers {
		merged[k] = v
	}

	return base{
		Unsupported: Unsupported{Provider: s.ID},
		client: transport.New(transport.Config{
			Provider:   s.ID,
			BaseURL:    baseURL,
			Auth:       auth,
			Headers:    merged,
			Timeout:    s.Timeout,
			RateLimit:  s.RateLimit,
			Burst:      s.Burst,
			HTTPClient: d.HTTPClient,
			Metrics:    d.Metrics,
		}),
		creds:   d.Credentials,
		models:  s.Models,
		polling: d.Polling,
		metrics: d.Metrics,
	}
}

// credential resolves the key for this call.
func (b *base) credential() (string, error) {
	if b.creds == nil {
		return "", gwerr.MissingCredential(b.Provider)
	}
	key, ok := b.creds(b.Provider)
	if !ok || key == "" {
		return "", gwerr.MissingCredential(b.Provider)
	}
	return key, nil
}

// optionalCredential is for vendors that work without one (local
// runtimes); an absent key yields "".
func (b *base) optionalCredential() string {
	if b.creds == nil {
		return ""
	}
	key, _ := b.creds(b.Provider)
	return key
}

// upstreamMessage is an error the vendor reported inside a 2xx response.
func upstreamMessage(provider, msg string) *gwerr.Error {
	return &gwerr.Error{Kind: gwerr.KindUpstreamHTTP, Provider: provider, Message: msg}
}

// staticModels serves the configured model list.
func (b *base) staticModels() []ModelSummary {
	out := make([]ModelSummary, 0, len(b.models))
	for _, m := range b.models {
		out = append(out, ModelSummary{Provider: b.Provider, ID: m})
	}
	return out
}

// streamOptions returns the normalizer options for this handle.
func (b *base) streamOptions(framing stream.Framing) stream.Options {
	return stream.Options{Provider: b.Provider, Framing: framing, Metrics: b.metrics}
}

// pollJob runs poll.Until with the handle's polling bounds and records the
// outcome.
func pollJob[T any](ctx context.Context, b *base, fetch func(context.Context) (T, error), done func(T) bool) (T, error) {
	start := time.Now()
	result, err := poll.Until(ctx, fetch, done, b.polling)

	outcome := "ok"
	if err != nil {
		outcome = string(gwerr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	b.metrics.PollFinished(b.Provider, outcome, time.Since(start))
	return result, err
}

// ---------------------------------------------------------------------------
// Narrowing
// ---------------------------------------------------------------------------

// Narrow restricts h to the capabilities in allowed. Configuration can only
// take operations away: the result serves the intersection of allowed and
// h.Capabilities().
func Narrow(h Handle, allowed CapabilitySet) Handle {
	return &narrowed{Handle: h, caps: h.Capabilities().Intersect(allowed)}
}

type narrowed struct {
	Handle
	caps CapabilitySet
}

func (n *narrowed) Capabilities() CapabilitySet { return n.caps }

func (n *narrowed) check(c Capability) error {
	if !n.caps.Has(c) {
		return gwerr.NotSupported(n.ID(), string(c))
	}
	return nil
}

func (n *narrowed) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := n.check(CapChat); err != nil {
		return nil, err
	}
	return n.Handle.ChatCompletion(ctx, req)
}

func (n *narrowed) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*canonical.Stream, error) {
	if err := n.check(CapChatStream); err != nil {
		return nil, err
	}
	return n.Handle.ChatCompletionStream(ctx, req)
}

func (n *narrowed) Respond(ctx context.Context, req *ResponseRequest) (*ChatResponse, error) {
	if err := n.check(CapRespond); err != nil {
		return nil, err
	}
	return n.Handle.Respond(ctx, req)
}

func (n *narrowed) RespondStream(ctx context.Context, req *ResponseRequest) (*canonical.Stream, error) {
	if err := n.check(CapRespondStream); err != nil {
		return nil, err
	}
	return n.Handle.RespondStream(ctx, req)
}

func (n *narrowed) ListModels(ctx context.Context) ([]ModelSummary, error) {
	if err := n.check(CapListModels); err != nil {
		return nil, err
	}
	return n.Handle.ListModels(ctx)
}

func (n *narrowed) Sample(ctx context.Context, req *SampleRequest) (*SampleResponse, error) {
	if err := n.check(CapSample); err != nil {
		return nil, err
	}
	return n.Handle.Sample(ctx, req)
}

func (n *narrowed) GenerateImage(ctx context.Context, req *ImageRequest) (*MediaResponse, error) {
	if err := n.check(CapImage); err != nil {
		return nil, err
	}
	return n.Handle.GenerateImage(ctx, req)
}

func (n *narrowed) GenerateVideo(ctx context.Context, req *VideoRequest) (*MediaResponse, error) {
	if err := n.check(CapVideo); err != nil {
		return nil, err
	}
	return n.Handle.GenerateVideo(ctx, req)
}

func (n *narrowed) Speak(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error) {
	if err := n.check(CapSpeech); err != nil {
		return nil, err
	}
	return n.Handle.Speak(ctx, req)
}

func (n *narrowed) Transcribe(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error) {
	if err := n.check(CapTranscription); err != nil {
		return nil, err
	}
	return n.Handle.Transcribe(ctx, req)
}

func (n *narrowed) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	if err := n.check(CapRerank); err != nil {
		return nil, err
	}
	return n.Handle.Rerank(ctx, req)
}

func (n *narrowed) CreateRealtimeSession(ctx context.Context, req *RealtimeSessionRequest) (*RealtimeSession, error) {
	if err := n.check(CapRealtimeSession); err != nil {
		return nil, err
	}
	return n.Handle.CreateRealtimeSession(ctx, req)
}
