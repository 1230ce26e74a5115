// Package provider defines the Handle interface and the vendor adapters.
//
// Every vendor family (OpenAI-compatible, Anthropic, Google, etc.)
// implements Handle. The rest of the gateway works with these unified
// types, so handlers never need to know which wire protocol, auth scheme
// or streaming framing sits behind a model identifier.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/howard-nolan/modelgate/internal/canonical"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/metrics"
	"github.com/howard-nolan/modelgate/internal/poll"
)

// Handle is one configured vendor. Handles are created once at startup and
// shared by every request; implementations must be safe for concurrent use
// and must not keep per-request state.
type Handle interface {
	// ID returns the provider key the handle is registered under, e.g.
	// "openai" or "groq". It names the handle in errors and metrics.
	ID() string

	// Capabilities reports which operations the handle serves. Every other
	// operation fails with gwerr.KindOperationNotSupported.
	Capabilities() CapabilitySet

	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream starts a streaming chat. Errors that happen
	// before the first byte (credentials, non-2xx) are returned directly;
	// everything after arrives as an Errored event.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (*canonical.Stream, error)

	Respond(ctx context.Context, req *ResponseRequest) (*ChatResponse, error)
	RespondStream(ctx context.Context, req *ResponseRequest) (*canonical.Stream, error)

	ListModels(ctx context.Context) ([]ModelSummary, error)

	Sample(ctx context.Context, req *SampleRequest) (*SampleResponse, error)
	GenerateImage(ctx context.Context, req *ImageRequest) (*MediaResponse, error)
	GenerateVideo(ctx context.Context, req *VideoRequest) (*MediaResponse, error)
	Speak(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error)
	Transcribe(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)
	Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error)
	CreateRealtimeSession(ctx context.Context, req *RealtimeSessionRequest) (*RealtimeSession, error)
}

// CredentialFunc resolves the credential for a provider key at call time.
// It is called on every operation; results are never cached by handles.
type CredentialFunc func(providerID string) (string, bool)

// Settings is the per-handle configuration, already validated.
type Settings struct {
	// ID is the provider key (the part before ":" in model identifiers).
	ID      string
	BaseURL string

	// Models is a static model list, served by ListModels when the vendor
	// has no listing endpoint.
	Models []string

	Timeout   time.Duration
	RateLimit float64
	Burst     int
	Headers   map[string]string
}

// Deps are the shared dependencies every handle gets.
type Deps struct {
	Credentials CredentialFunc

	// HTTPClient overrides the transport's default client.
	HTTPClient *http.Client

	// Polling bounds submit-then-poll jobs.
	Polling poll.Options

	Metrics *metrics.Collector
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// Message is a single message in the conversation. Each adapter translates
// from this common format (Google has "parts", Anthropic separates
// "system", and so on).
type Message struct {
	Role    string // "system", "user", "assistant" or "tool"
	Content string

	// ToolCalls are calls the assistant made in this turn.
	ToolCalls []canonical.ToolCall

	// ToolCallID and Name identify the call a "tool" message answers.
	ToolCallID string
	Name       string
}

// Tool is a function the model may call. Parameters is a JSON Schema and
// is passed to vendors untouched.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is the internal representation of a chat completion request.
type ChatRequest struct {
	Model       string // vendor model name, the part after ":"
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64

	// Options are vendor-specific wire fields overlaid on the payload.
	Options map[string]any
}

// ResponseRequest is a structured "responses" request: one input plus
// optional instructions.
type ResponseRequest struct {
	Model        string
	Instructions string

	// Input is the prompt. Messages, when set, replaces it with a
	// conversation.
	Input    string
	Messages []Message

	Tools           []Tool
	MaxOutputTokens int
	Options         map[string]any
}

// SampleRequest is a one-shot text completion.
type SampleRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
	Options   map[string]any
}

// ImageRequest asks for generated images.
type ImageRequest struct {
	Model   string
	Prompt  string
	N       int
	Size    string // "1024x1024"
	Options map[string]any
}

// VideoRequest asks for a generated video.
type VideoRequest struct {
	Model           string
	Prompt          string
	DurationSeconds int
	AspectRatio     string // "16:9"
	Options         map[string]any
}

// SpeechRequest asks for synthesized speech.
type SpeechRequest struct {
	Model   string
	Input   string
	Voice   string
	Format  string // "mp3", "wav", ...
	Options map[string]any
}

// TranscriptionRequest asks for the text of an audio file.
type TranscriptionRequest struct {
	Model    string
	Audio    io.Reader
	Filename string
	Language string
	Options  map[string]any
}

// RerankRequest asks for documents ordered by relevance to Query.
type RerankRequest struct {
	Model     string
	Query     string
	Documents []string
	TopN      int
	Options   map[string]any
}

// RealtimeSessionRequest asks for short-lived realtime session credentials.
type RealtimeSessionRequest struct {
	Model        string
	Voice        string
	Instructions string
	Options      map[string]any
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is a complete (non-streaming) chat or responses answer.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	ToolCalls    []canonical.ToolCall
	FinishReason string
	Usage        canonical.Usage
}

// ModelSummary describes one model a provider serves. ID is the vendor's
// model name; the gateway identifier is Provider + ":" + ID.
type ModelSummary struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	OwnedBy  string `json:"owned_by,omitempty"`
	Created  int64  `json:"created,omitempty"`
}

// SampleResponse is a one-shot completion result.
type SampleResponse struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	Usage        canonical.Usage
}

// Media is one generated file. Exactly one of URL and Data is set.
type Media struct {
	URL       string
	Data      []byte
	MediaType string

	// RevisedPrompt is the prompt the vendor actually used, when it says.
	RevisedPrompt string
}

// MediaResponse holds generated images or videos.
type MediaResponse struct {
	ID    string // vendor job id, if the vendor ran a job
	Media []Media
}

// SpeechResponse is synthesized audio.
type SpeechResponse struct {
	Audio     []byte
	MediaType string
}

// TranscriptionResponse is the text of an audio file.
type TranscriptionResponse struct {
	Text     string
	Language string
	Duration float64 // seconds
}

// RerankResult is one document's position in a reranking.
type RerankResult struct {
	Index    int
	Score    float64
	Document string
}

// RerankResponse holds results in descending relevance.
type RerankResponse struct {
	ID      string
	Results []RerankResult
}

// RealtimeSession is an ephemeral credential for a client-side realtime
// connection.
type RealtimeSession struct {
	ID           string
	Model        string
	ClientSecret string
	ExpiresAt    time.Time
}

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// Capability names one Handle operation. The values double as the
// operation names in OperationNotSupported errors and in configuration.
type Capability string

const (
	CapChat            Capability = "chat"
	CapChatStream      Capability = "chat_stream"
	CapRespond         Capability = "respond"
	CapRespondStream   Capability = "respond_stream"
	CapListModels      Capability = "list_models"
	CapSample          Capability = "sample"
	CapImage           Capability = "image"
	CapVideo           Capability = "video"
	CapSpeech          Capability = "speech"
	CapTranscription   Capability = "transcription"
	CapRerank          Capability = "rerank"
	CapRealtimeSession Capability = "realtime_session"
)

func (c Capability) String() string { return string(c) }

// AllCapabilities lists every operation in declaration order.
var AllCapabilities = []Capability{
	CapChat, CapChatStream, CapRespond, CapRespondStream, CapListModels, CapSample,
	CapImage, CapVideo, CapSpeech, CapTranscription, CapRerank, CapRealtimeSession,
}

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet struct {
	caps map[Capability]struct{}
}

// NewCapabilitySet returns a set holding caps.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return CapabilitySet{caps: m}
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.caps[c]
	return ok
}

// Intersect returns the capabilities present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	var out []Capability
	for c := range s.caps {
		if other.Has(c) {
			out = append(out, c)
		}
	}
	return NewCapabilitySet(out...)
}

// List returns the set in declaration order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s.caps))
	for _, c := range AllCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of capabilities in the set.
func (s CapabilitySet) Len() int { return len(s.caps) }

// ParseCapability validates a configured capability name.
func ParseCapability(name string) (Capability, error) {
	c := Capability(name)
	if !slices.Contains(AllCapabilities, c) {
		return "", gwerr.New(gwerr.KindInvalidArgument, "unknown capability %q", name)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Unsupported base
// ---------------------------------------------------------------------------

// Unsupported implements every Handle operation by failing with
// gwerr.KindOperationNotSupported. Adapters embed it and override the
// operations their vendor offers.
type Unsupported struct {
	Provider string
}

func (u Unsupported) ID() string { return u.Provider }

func (u Unsupported) Capabilities() CapabilitySet { return NewCapabilitySet() }

func (u Unsupported) ChatCompletion(context.Context, *ChatRequest) (*ChatResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapChat))
}

func (u Unsupported) ChatCompletionStream(context.Context, *ChatRequest) (*canonical.Stream, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapChatStream))
}

func (u Unsupported) Respond(context.Context, *ResponseRequest) (*ChatResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapRespond))
}

func (u Unsupported) RespondStream(context.Context, *ResponseRequest) (*canonical.Stream, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapRespondStream))
}

func (u Unsupported) ListModels(context.Context) ([]ModelSummary, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapListModels))
}

func (u Unsupported) Sample(context.Context, *SampleRequest) (*SampleResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapSample))
}

func (u Unsupported) GenerateImage(context.Context, *ImageRequest) (*MediaResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapImage))
}

func (u Unsupported) GenerateVideo(context.Context, *VideoRequest) (*MediaResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapVideo))
}

func (u Unsupported) Speak(context.Context, *SpeechRequest) (*SpeechResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapSpeech))
}

func (u Unsupported) Transcribe(context.Context, *TranscriptionRequest) (*TranscriptionResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapTranscription))
}

func (u Unsupported) Rerank(context.Context, *RerankRequest) (*RerankResponse, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapRerank))
}

func (u Unsupported) CreateRealtimeSession(context.Context, *RealtimeSessionRequest) (*RealtimeSession, error) {
	return nil, gwerr.NotSupported(u.Provider, string(CapRealtimeSession))
}
