package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/howard-nolan/modelgate/internal/config"
	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/metrics"
	"github.com/howard-nolan/modelgate/internal/provider"
)

// fakeHandle lists a fixed set of models, fails with err, or blocks until
// its context is done.
type fakeHandle struct {
	provider.Unsupported
	models []string
	err    error
	block  bool
}

func newFake(id string, models ...string) *fakeHandle {
	return &fakeHandle{Unsupported: provider.Unsupported{Provider: id}, models: models}
}

func (f *fakeHandle) Capabilities() provider.CapabilitySet {
	return provider.NewCapabilitySet(provider.CapListModels)
}

func (f *fakeHandle) ListModels(ctx context.Context) ([]provider.ModelSummary, error) {
	if f.block {
		<-ctx.Done()
		return nil, gwerr.Cancelled(ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]provider.ModelSummary, 0, len(f.models))
	for _, m := range f.models {
		out = append(out, provider.ModelSummary{Provider: f.Provider, ID: m})
	}
	return out, nil
}

func TestParseModelID(t *testing.T) {
	tests := []struct {
		in      string
		want    ModelID
		wantErr bool
	}{
		{in: "openai:gpt-4o-mini", want: ModelID{Provider: "openai", Model: "gpt-4o-mini"}},
		{in: "OpenAI:GPT-4o", want: ModelID{Provider: "openai", Model: "GPT-4o"}},
		{in: "ollama:llama3.2:latest", want: ModelID{Provider: "ollama", Model: "llama3.2:latest"}},
		{in: "replicate:acme/video:5c7d", want: ModelID{Provider: "replicate", Model: "acme/video:5c7d"}},
		{in: "gpt-4o", wantErr: true},
		{in: ":gpt-4o", wantErr: true},
		{in: "openai:", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, gwerr.ErrMalformedIdentifier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Provider+":"+tt.want.Model, got.String())
		})
	}
}

func TestResolve(t *testing.T) {
	openai := newFake("openai")
	reg, err := New(openai, newFake("Anthropic"))
	require.NoError(t, err)

	target, err := reg.Resolve("openai:gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", target.Model)
	assert.Same(t, openai, target.Handle)

	target, err = reg.Resolve("ANTHROPIC:claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "Anthropic", target.Handle.ID())

	_, err = reg.Resolve("mistral:large")
	require.ErrorIs(t, err, gwerr.ErrUnknownProvider)
	var gwErr *gwerr.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "mistral", gwErr.Provider)

	_, err = reg.Resolve("gpt-4o")
	assert.ErrorIs(t, err, gwerr.ErrMalformedIdentifier)

	h, ok := reg.Lookup("OPENAI")
	assert.True(t, ok)
	assert.Same(t, openai, h)
	assert.Equal(t, []string{"anthropic", "openai"}, reg.Providers())
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(newFake("openai"), newFake("OpenAI"))
	assert.ErrorIs(t, err, gwerr.ErrInvalidArgument)
}

func TestListAllModels_PartialFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	failing := newFake("b")
	failing.err = gwerr.MissingCredential("b")
	reg, err := New(newFake("a", "m3", "m1", "m2"), failing, provider.Unsupported{Provider: "c"})
	require.NoError(t, err)
	reg = reg.WithLogger(zap.New(core)).WithMetrics(m)

	models, err := reg.ListAllModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{models[0].ID, models[1].ID, models[2].ID})

	entries := logs.FilterMessage("listing models failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ContextMap()["provider"])
	assert.Equal(t, string(gwerr.KindMissingCredential), entries[0].ContextMap()["kind"])

	// Only the provider that answered reports a count.
	n, err := testutil.GatherAndCount(promReg, "modelgate_models_listed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListAllModels_SortedAcrossProviders(t *testing.T) {
	reg, err := New(newFake("zeta", "a"), newFake("alpha", "z", "b"))
	require.NoError(t, err)

	models, err := reg.ListAllModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []provider.ModelSummary{
		{Provider: "alpha", ID: "b"},
		{Provider: "alpha", ID: "z"},
		{Provider: "zeta", ID: "a"},
	}, models)
}

func TestListAllModels_Cancelled(t *testing.T) {
	slow := newFake("slow")
	slow.block = true
	reg, err := New(newFake("fast", "m"), slow)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = reg.ListAllModels(ctx)
	assert.ErrorIs(t, err, gwerr.ErrCancelled)
}

func TestStreamModels_EmptyRegistry(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	var n int
	for range reg.StreamModels(context.Background()) {
		n++
	}
	assert.Zero(t, n)
}

func TestBuild(t *testing.T) {
	reg, err := Build(map[string]config.ProviderConfig{
		"openai":    {Kind: "openai"},
		"groq":      {Kind: "openai", BaseURL: "https://api.groq.com/openai/v1", Capabilities: []string{"chat", "chat_stream"}},
		"anthropic": {Kind: "anthropic"},
		"local":     {Kind: "ollama"},
		"cohere":    {Kind: "cohere"},
		"replicate": {Kind: "replicate", Models: []string{"black-forest-labs/flux-schnell"}},
		"agent":     {Kind: "uistream", BaseURL: "http://localhost:3000/api/chat"},
		"google":    {},
	}, provider.Deps{})
	require.NoError(t, err)
	assert.Len(t, reg.Providers(), 8)

	groq, ok := reg.Lookup("groq")
	require.True(t, ok)
	assert.Equal(t, []provider.Capability{provider.CapChat, provider.CapChatStream}, groq.Capabilities().List())

	_, err = groq.GenerateImage(context.Background(), &provider.ImageRequest{})
	assert.ErrorIs(t, err, gwerr.ErrOperationNotSupported)

	google, _ := reg.Lookup("google")
	assert.True(t, google.Capabilities().Has(provider.CapVideo), "kind defaults to the key")
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(map[string]config.ProviderConfig{"x": {Kind: "telepathy"}}, provider.Deps{})
	assert.ErrorContains(t, err, "unknown kind")

	_, err = Build(map[string]config.ProviderConfig{"openai": {Capabilities: []string{"mind_reading"}}}, provider.Deps{})
	assert.ErrorIs(t, err, gwerr.ErrInvalidArgument)
}
