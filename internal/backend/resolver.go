package backend

import (
	"fmt"
	"strings"
	"sync"
)

// FallbackProvider is used when nothing else names a provider.
const FallbackProvider = "ollama"

// SplitModel parses a "provider/model" string. A string without a slash is
// all model and names no provider.
func SplitModel(model string) (provider, name string) {
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		return strings.ToLower(strings.TrimSpace(model[:idx])), strings.TrimSpace(model[idx+1:])
	}
	return "", strings.TrimSpace(model)
}

// ResolveProvider applies the provider defaulting rules:
// explicit agent provider > parsed model prefix > configured default >
// FallbackProvider.
func ResolveProvider(explicit, model, configDefault string) string {
	if p := strings.ToLower(strings.TrimSpace(explicit)); p != "" {
		return p
	}
	if p, _ := SplitModel(model); p != "" {
		return p
	}
	if p := strings.ToLower(strings.TrimSpace(configDefault)); p != "" {
		return p
	}
	return FallbackProvider
}

// Factory creates a backend for a provider tag.
type Factory func(provider string) (Backend, error)

// Cache resolves backends by provider, creating each at most once. The cache
// is scoped to one orchestrator instance, not the process.
type Cache struct {
	mu       sync.Mutex
	factory  Factory
	backends map[string]Backend
}

// NewCache creates a backend cache around the given factory.
func NewCache(factory Factory) *Cache {
	return &Cache{
		factory:  factory,
		backends: make(map[string]Backend),
	}
}

// Resolve returns the backend for a provider, creating it on first use.
func (c *Cache) Resolve(provider string) (Backend, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, fmt.Errorf("provider is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[provider]; ok {
		return b, nil
	}
	if c.factory == nil {
		return nil, fmt.Errorf("no backend factory configured")
	}
	b, err := c.factory(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend for provider %q: %w", provider, err)
	}
	c.backends[provider] = b
	return b, nil
}

// Register pre-seeds the cache with a backend, bypassing the factory.
func (c *Cache) Register(b Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[strings.ToLower(b.Provider())] = b
}

// Clear drops all cached backends.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends = make(map[string]Backend)
}
