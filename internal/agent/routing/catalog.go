// Package routing implements ahead-of-run cost estimation and model
// selection: a model catalog with capabilities and per-million-token
// pricing, a task analyzer, the cost estimator, and a budget-aware router.
package routing

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Capability identifies a model capability.
type Capability string

const (
	CapVision      Capability = "vision"
	CapTools       Capability = "tools"
	CapStreaming   Capability = "streaming"
	CapJSON        Capability = "json"
	CapReasoning   Capability = "reasoning"
	CapLongContext Capability = "long_context" // 100k+ context window
)

// Tier identifies a model's quality/cost tier.
type Tier string

const (
	TierFlagship Tier = "flagship"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
	TierMini     Tier = "mini"
	TierLocal    Tier = "local"
)

// Model describes one catalog entry. Prices are USD per million tokens; a
// zero price on a local model means free, a zero price elsewhere means
// pricing is unknown.
type Model struct {
	ID              string       `json:"id"`
	Provider        string       `json:"provider"`
	Tier            Tier         `json:"tier"`
	ContextWindow   int          `json:"context_window"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
	Capabilities    []Capability `json:"capabilities"`
	InputPer1M      float64      `json:"input_per_1m,omitempty"`
	OutputPer1M     float64      `json:"output_per_1m,omitempty"`
}

// HasCapability checks whether the model declares a capability.
func (m *Model) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Qualified returns the model's "provider/model" identifier.
func (m *Model) Qualified() string {
	if m.Provider == "" || strings.ContainsRune(m.ID, '/') {
		return m.ID
	}
	return m.Provider + "/" + m.ID
}

// Local reports whether the model runs on a local runner.
func (m *Model) Local() bool {
	return m.Tier == TierLocal || IsLocalModel(m.Provider+"/"+m.ID)
}

// HasPricing reports whether pricing is known. Local models are always
// priced (at zero).
func (m *Model) HasPricing() bool {
	return m.Local() || m.InputPer1M > 0 || m.OutputPer1M > 0
}

var localModelPattern = regexp.MustCompile(`(?i)^(ollama|local|lmstudio)/|^(llama|mistral:|qwen|phi|gemma|codellama)|:latest$`)

// IsLocalModel reports whether a model string names a local-runner model.
func IsLocalModel(model string) bool {
	return localModelPattern.MatchString(strings.TrimSpace(model))
}

// Catalog manages the set of known models.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewCatalog creates a catalog pre-populated with the built-in models.
func NewCatalog() *Catalog {
	c := &Catalog{models: make(map[string]*Model)}
	for i := range builtinModels {
		m := builtinModels[i]
		c.models[m.ID] = &m
	}
	return c
}

// Register adds or replaces a model.
func (c *Catalog) Register(m *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.ID] = m
}

// Get looks up a model by id. A "provider/model" string matches on the
// model part; versioned ids match by prefix.
func (c *Catalog) Get(id string) (*Model, bool) {
	_, name := splitID(id)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.models[name]; ok {
		return m, true
	}
	for mid, m := range c.models {
		if strings.HasPrefix(name, mid) || strings.HasPrefix(mid, name) {
			return m, true
		}
	}
	return nil, false
}

// List returns all models sorted by id.
func (c *Catalog) List() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func splitID(id string) (provider, name string) {
	if idx := strings.IndexByte(id, '/'); idx >= 0 {
		return strings.ToLower(id[:idx]), id[idx+1:]
	}
	return "", id
}

var builtinModels = []Model{
	{
		ID: "claude-sonnet-4", Provider: "anthropic", Tier: TierStandard,
		ContextWindow: 200000, MaxOutputTokens: 64000,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapReasoning, CapLongContext},
		InputPer1M:   3.0, OutputPer1M: 15.0,
	},
	{
		ID: "claude-opus-4", Provider: "anthropic", Tier: TierFlagship,
		ContextWindow: 200000, MaxOutputTokens: 32000,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapReasoning, CapLongContext},
		InputPer1M:   15.0, OutputPer1M: 75.0,
	},
	{
		ID: "claude-3-5-haiku", Provider: "anthropic", Tier: TierFast,
		ContextWindow: 200000, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapLongContext},
		InputPer1M:   1.0, OutputPer1M: 5.0,
	},
	{
		ID: "gpt-4o", Provider: "openai", Tier: TierStandard,
		ContextWindow: 128000, MaxOutputTokens: 16384,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapLongContext},
		InputPer1M:   2.50, OutputPer1M: 10.0,
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", Tier: TierMini,
		ContextWindow: 128000, MaxOutputTokens: 16384,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapLongContext},
		InputPer1M:   0.15, OutputPer1M: 0.60,
	},
	{
		ID: "o1", Provider: "openai", Tier: TierFlagship,
		ContextWindow: 200000, MaxOutputTokens: 100000,
		Capabilities: []Capability{CapTools, CapStreaming, CapJSON, CapReasoning, CapLongContext},
		InputPer1M:   15.0, OutputPer1M: 60.0,
	},
	{
		ID: "gemini-2.0-flash", Provider: "google", Tier: TierFast,
		ContextWindow: 1000000, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapLongContext},
		InputPer1M:   0.10, OutputPer1M: 0.40,
	},
	{
		ID: "mistral-small", Provider: "mistral", Tier: TierFast,
		ContextWindow: 32000, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapTools, CapStreaming, CapJSON},
		InputPer1M:   0.2, OutputPer1M: 0.6,
	},
	{
		ID: "llama3.3", Provider: "ollama", Tier: TierLocal,
		ContextWindow: 128000, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapTools, CapStreaming, CapJSON, CapLongContext},
	},
	{
		ID: "qwen2.5-coder", Provider: "ollama", Tier: TierLocal,
		ContextWindow: 32000, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapTools, CapStreaming, CapJSON},
	},
}
