// Package agent implements the run orchestrator and its collaborators: the
// tool registry, message builder, stream reader, tool executor, span
// recorder, and the agent definition itself.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Defaults applied when an agent leaves the corresponding field zero.
const (
	DefaultMaxIterations = 10
	DefaultTimeout       = 120 * time.Second
	DefaultTemperature   = 0.7
)

// Agent is a named configuration the orchestrator can run. Immutable after
// construction; one agent is shared read-only across concurrent runs.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Instructions string `json:"instructions"`

	// Model is a "provider/model" identifier; Provider overrides the
	// parsed prefix when set.
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`

	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`

	MaxIterations int           `json:"max_iterations,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`

	Tools []Tool `json:"-"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the agent definition. Tool names must be unique within
// the agent.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return NewError(ErrValidation, "agent id is required")
	}
	if a.Model == "" {
		return NewError(ErrValidation, "agent %s has no model", a.ID)
	}
	if a.MaxIterations < 0 {
		return NewError(ErrValidation, "agent %s: max_iterations must be >= 0", a.ID)
	}
	seen := make(map[string]bool, len(a.Tools))
	for _, t := range a.Tools {
		if t == nil {
			return NewError(ErrValidation, "agent %s has a nil tool", a.ID)
		}
		if seen[t.Name()] {
			return NewError(ErrValidation, "agent %s declares tool %q twice", a.ID, t.Name())
		}
		seen[t.Name()] = true
	}
	return nil
}

// EffectiveMaxIterations returns the iteration bound with defaulting.
func (a *Agent) EffectiveMaxIterations() int {
	if a.MaxIterations > 0 {
		return a.MaxIterations
	}
	return DefaultMaxIterations
}

// EffectiveTimeout returns the run deadline with defaulting.
func (a *Agent) EffectiveTimeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultTimeout
}

// EffectiveTemperature returns the sampling temperature with defaulting.
func (a *Agent) EffectiveTemperature() float64 {
	if a.Temperature != nil {
		return *a.Temperature
	}
	return DefaultTemperature
}

// serializedAgent is the wire form: tools collapse to their names and are
// restored from a registry on deserialization.
type serializedAgent struct {
	Agent
	ToolNames []string `json:"tool_names,omitempty"`
}

// Serialize encodes the agent to JSON. Tool functions are not serializable;
// only their names travel.
func (a *Agent) Serialize() ([]byte, error) {
	s := serializedAgent{Agent: *a}
	for _, t := range a.Tools {
		s.ToolNames = append(s.ToolNames, t.Name())
	}
	return json.MarshalIndent(s, "", "  ")
}

// Deserialize decodes an agent, restoring tools by name from the registry.
// A serialized tool missing from the registry is an error; the agent would
// silently lose capability otherwise.
func Deserialize(data []byte, registry *Registry) (*Agent, error) {
	var s serializedAgent
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, NewError(ErrValidation, "invalid agent document: %v", err)
	}
	a := s.Agent
	a.Tools = nil
	for _, name := range s.ToolNames {
		t, ok := registry.Get(name)
		if !ok {
			return nil, NewError(ErrConfiguration, "agent %s references unknown tool %q", a.ID, name)
		}
		a.Tools = append(a.Tools, t)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// registrySnapshot builds the per-run private registry from the agent's
// tool list.
func (a *Agent) registrySnapshot() *Registry {
	r := NewRegistry()
	r.RegisterMany(a.Tools...)
	return r
}

// String implements fmt.Stringer for log output.
func (a *Agent) String() string {
	return fmt.Sprintf("agent(%s model=%s tools=%d)", a.ID, a.Model, len(a.Tools))
}
