package registry

import (
	"fmt"
	"slices"

	"github.com/howard-nolan/modelgate/internal/config"
	"github.com/howard-nolan/modelgate/internal/provider"
)

// constructor builds one handle from its settings.
type constructor func(provider.Settings, provider.Deps) provider.Handle

var constructors = map[string]constructor{
	"openai":    func(s provider.Settings, d provider.Deps) provider.Handle { return provider.NewOpenAI(s, d) },
	"anthropic": func(s provider.Settings, d provider.Deps) provider.Handle { return provider.NewAnthropic(s, d) },
	"google":    func(s provider.Settings, d provider.Deps) provider.Handle { return provider.NewGoogle(s, d) },
	"ollama":    func(s provider.Settings, d provider.Deps) provider.Handle { return provider.NewOllama(s, d) },
	"cohere":    func(s provider.Settings, d provider.Deps) provider.Handle { return provider.NewCohere(s, d) },
	"replicate": func(s provider.Settings, d provider.Deps) provider.Handle { return provider.NewReplicate(s, d) },
	"uistream":  func(s provider.Settings, d provider.Deps) provider.Handle { return provider.NewUIStream(s, d) },
}

// Build creates one handle per configured provider and registers them.
// deps is shared by every handle; its Credentials normally come from
// config.Credentials.
func Build(providers map[string]config.ProviderConfig, deps provider.Deps) (*Registry, error) {
	keys := make([]string, 0, len(providers))
	for k := range providers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	handles := make([]provider.Handle, 0, len(keys))
	for _, key := range keys {
		h, err := buildHandle(key, providers[key], deps)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return New(handles...)
}

func buildHandle(key string, pc config.ProviderConfig, deps provider.Deps) (provider.Handle, error) {
	kind := pc.Kind
	if kind == "" {
		kind = key
	}
	newHandle, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("provider %q: unknown kind %q", key, kind)
	}

	h := newHandle(provider.Settings{
		ID:        key,
		BaseURL:   pc.BaseURL,
		Models:    pc.Models,
		Timeout:   pc.Timeout,
		RateLimit: pc.RateLimit,
		Burst:     pc.Burst,
		Headers:   pc.Headers,
	}, deps)

	if len(pc.Capabilities) == 0 {
		return h, nil
	}
	caps := make([]provider.Capability, 0, len(pc.Capabilities))
	for _, name := range pc.Capabilities {
		c, err := provider.ParseCapability(name)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", key, err)
		}
		caps = append(caps, c)
	}
	return provider.Narrow(h, provider.NewCapabilitySet(caps...)), nil
}
