// ABOUTME: Provider inference and adapter registry
// ABOUTME: Maps model names to providers and resolves configured adapter factories

package model

import (
	"fmt"
	"strings"
	"sync"
)

// ProviderConfig carries per-provider connection settings from the host
// configuration. The registry passes it through to adapter factories.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// Factory builds an Adapter for a concrete model under a provider's settings.
type Factory func(modelName string, cfg ProviderConfig) (Adapter, error)

// providerPrefixes maps model-name prefixes to provider identifiers.
// Checked in declaration order; first match wins.
var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"dall-e", "openai"},
	{"claude", "anthropic"},
	{"gemini", "gemini"},
	{"llama", "ollama"},
	{"mistral", "ollama"},
	{"vicuna", "ollama"},
}

// InferProvider guesses the provider for a model name. Returns "" when no
// prefix matches.
func InferProvider(modelName string) string {
	name := strings.ToLower(modelName)
	for _, p := range providerPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.provider
		}
	}
	return ""
}

// Registry resolves (provider, model) pairs to ready-to-use adapters.
// Factories are registered by the host; configs come from the config layer.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	configs   map[string]ProviderConfig
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		configs:   make(map[string]ProviderConfig),
	}
}

// Register installs a factory for a provider, replacing any previous one.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Configure sets the connection settings for a provider.
func (r *Registry) Configure(provider string, cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[provider] = cfg
}

// Resolve returns an adapter for the given provider/model pair. When
// provider is empty it is inferred from the model name. Returns
// ErrUnknownProvider if no factory is registered.
func (r *Registry) Resolve(provider, modelName string) (Adapter, error) {
	if provider == "" {
		provider = InferProvider(modelName)
	}
	if provider == "" {
		return nil, fmt.Errorf("%w: cannot infer provider for model %q", ErrUnknownProvider, modelName)
	}

	r.mu.RLock()
	factory, ok := r.factories[provider]
	cfg := r.configs[provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return factory(modelName, cfg)
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
