package agent

import (
	"sync"

	"github.com/strandlabs/sovereign/pkg/models"
)

// Registry maps tool names to tools, preserving registration order. Names
// are case-sensitive and the only identity; re-registering a name shadows
// the earlier tool in place.
//
// The orchestrator snapshots the registry at run start, so mutation during
// a run never affects runs already in flight.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A tool with an existing name replaces the earlier
// one without changing its position.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// RegisterMany registers tools in order.
func (r *Registry) RegisterMany(tools ...Tool) {
	for _, t := range tools {
		r.Register(t)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// GetAll returns the tools in registration order.
func (r *Registry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// GetNames returns tool names in registration order.
func (r *Registry) GetNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// GetSchemas projects every tool for the backend, in registration order.
func (r *Registry) GetSchemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, toolSchema(r.tools[name]))
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear removes every tool.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]Tool)
	r.order = nil
}

// Snapshot returns an independent copy; later mutation of either registry
// does not affect the other.
func (r *Registry) Snapshot() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Registry{
		tools: make(map[string]Tool, len(r.tools)),
		order: append([]string(nil), r.order...),
	}
	for name, t := range r.tools {
		out.tools[name] = t
	}
	return out
}
