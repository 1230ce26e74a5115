// Package registry resolves model identifiers to provider handles.
//
// An identifier is "<provider>:<model>". The provider key selects one of
// the handles registered at startup; the model part is passed to that
// handle untouched, so it may contain colons of its own:
//
//	ollama:llama3.2:latest  → provider "ollama", model "llama3.2:latest"
//
// The handle map is built once and only read afterwards, so a Registry is
// safe for concurrent use without locking.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/metrics"
	"github.com/howard-nolan/modelgate/internal/provider"
)

// ModelID is a parsed model identifier.
type ModelID struct {
	Provider string
	Model    string
}

func (id ModelID) String() string { return id.Provider + ":" + id.Model }

// ParseModelID splits s at its first ':'. The provider part is lowercased;
// the model part is kept verbatim. There is no default provider: an
// identifier without a separator is rejected.
func ParseModelID(s string) (ModelID, error) {
	p, m, ok := strings.Cut(s, ":")
	if !ok {
		return ModelID{}, gwerr.New(gwerr.KindMalformedIdentifier, "%q has no provider prefix (want provider:model)", s)
	}
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return ModelID{}, gwerr.New(gwerr.KindMalformedIdentifier, "%q has an empty provider", s)
	}
	if m == "" {
		return ModelID{}, gwerr.New(gwerr.KindMalformedIdentifier, "%q has an empty model", s)
	}
	return ModelID{Provider: p, Model: m}, nil
}

// Target is a resolved identifier: the handle to call and the model name
// to pass it.
type Target struct {
	Model  string
	Handle provider.Handle
}

// Registry maps provider keys to handles.
type Registry struct {
	handles map[string]provider.Handle
	ids     []string
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New registers handles under their lowercased IDs. Two handles with the
// same ID are a configuration error.
func New(handles ...provider.Handle) (*Registry, error) {
	r := &Registry{
		handles: make(map[string]provider.Handle, len(handles)),
		logger:  zap.NewNop(),
	}
	for _, h := range handles {
		id := strings.ToLower(h.ID())
		if id == "" {
			return nil, gwerr.New(gwerr.KindInvalidArgument, "handle without id")
		}
		if _, dup := r.handles[id]; dup {
			return nil, gwerr.New(gwerr.KindInvalidArgument, "provider %q registered twice", id)
		}
		r.handles[id] = h
		r.ids = append(r.ids, id)
	}
	slices.Sort(r.ids)
	return r, nil
}

// WithLogger returns a registry sharing r's handles that logs to l.
func (r *Registry) WithLogger(l *zap.Logger) *Registry {
	c := *r
	c.logger = l
	return &c
}

// WithMetrics returns a registry sharing r's handles that records to m.
func (r *Registry) WithMetrics(m *metrics.Collector) *Registry {
	c := *r
	c.metrics = m
	return &c
}

// Resolve parses identifier and finds its handle.
func (r *Registry) Resolve(identifier string) (*Target, error) {
	id, err := ParseModelID(identifier)
	if err != nil {
		return nil, err
	}
	h, ok := r.handles[id.Provider]
	if !ok {
		return nil, &gwerr.Error{
			Kind:     gwerr.KindUnknownProvider,
			Provider: id.Provider,
			Message:  fmt.Sprintf("no provider registered as %q", id.Provider),
		}
	}
	return &Target{Model: id.Model, Handle: h}, nil
}

// Lookup returns the handle registered as providerID.
func (r *Registry) Lookup(providerID string) (provider.Handle, bool) {
	h, ok := r.handles[strings.ToLower(providerID)]
	return h, ok
}

// Providers returns the registered provider keys, sorted.
func (r *Registry) Providers() []string {
	return slices.Clone(r.ids)
}

// StreamModels asks every handle that can list models for its models, all
// at once, and sends them on the returned channel as they arrive. A
// handle that fails is logged and contributes nothing. The channel is
// closed once every handle has answered or ctx is done; the caller must
// drain it or cancel ctx.
func (r *Registry) StreamModels(ctx context.Context) <-chan provider.ModelSummary {
	out := make(chan provider.ModelSummary, 64)
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range r.ids {
		h := r.handles[id]
		if !h.Capabilities().Has(provider.CapListModels) {
			continue
		}
		g.Go(func() error {
			models, err := h.ListModels(gctx)
			if err != nil {
				// One vendor's failure must not cancel the others, so
				// this goroutine reports success to the group.
				r.logger.Warn("listing models failed",
					zap.String("provider", id),
					zap.String("kind", string(gwerr.KindOf(err))),
					zap.Error(err))
				return nil
			}
			r.metrics.ModelsListed(id, len(models))
			for _, m := range models {
				select {
				case out <- m:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

// ListAllModels collects StreamModels, sorted by provider then model id.
// It fails only when ctx is cancelled; vendors that fail are left out.
func (r *Registry) ListAllModels(ctx context.Context) ([]provider.ModelSummary, error) {
	var all []provider.ModelSummary
	for m := range r.StreamModels(ctx) {
		all = append(all, m)
	}
	if err := gwerr.FromContext(ctx); err != nil {
		return nil, err
	}

	slices.SortFunc(all, func(a, b provider.ModelSummary) int {
		return cmp.Or(cmp.Compare(a.Provider, b.Provider), cmp.Compare(a.ID, b.ID))
	})
	return all, nil
}
