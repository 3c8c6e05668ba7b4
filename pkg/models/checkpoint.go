package models

import "time"

// ForkType records how a forked checkpoint was derived from its parent.
type ForkType string

const (
	ForkPlain   ForkType = "plain"
	ForkContext ForkType = "context"
	ForkInput   ForkType = "input"
	ForkMocked  ForkType = "mocked"
)

// Checkpoint is a self-contained snapshot of a run at a numbered step.
// Replaying from a checkpoint requires no other state. Once saved a
// checkpoint is immutable.
type Checkpoint struct {
	ID        string `json:"id"`
	TraceID   string `json:"trace_id"`
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id"`
	StepIndex int    `json:"step_index"`

	Messages []Message `json:"messages"`

	// ToolResults caches completed tool results keyed by call id, used to
	// satisfy replays without re-executing tools.
	ToolResults map[string]any `json:"tool_results,omitempty"`

	// PendingToolCalls are the calls issued at this step that had not yet
	// been folded back into the transcript.
	PendingToolCalls []ToolCall `json:"pending_tool_calls,omitempty"`

	Label     string         `json:"label,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to mutate independently of the original.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Messages = CloneMessages(c.Messages)
	out.PendingToolCalls = CloneToolCalls(c.PendingToolCalls)
	if c.ToolResults != nil {
		out.ToolResults = make(map[string]any, len(c.ToolResults))
		for k, v := range c.ToolResults {
			out.ToolResults[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
