package models

import "time"

// TokenUsage is the raw token accounting a backend reports for one chat call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Usage is the aggregate accounting of a finished run.
type Usage struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Cost         float64       `json:"cost"`
	Duration     time.Duration `json:"duration"`
}

// RunResult is the immutable outcome of one agent run. Ownership of the
// transcript and trace transfers to the caller when the run completes.
type RunResult struct {
	Output    string     `json:"output"`
	RunID     string     `json:"run_id"`
	AgentID   string     `json:"agent_id"`
	ThreadID  string     `json:"thread_id"`
	ModelUsed string     `json:"model_used"`
	Usage     Usage      `json:"usage"`
	ToolCalls []ToolCall `json:"tool_calls"`
	Messages  []Message  `json:"messages"`
	Trace     Trace      `json:"trace"`

	// Replay is set only on results synthesized or produced by the
	// checkpoint replay layer.
	Replay *ReplayInfo `json:"replay,omitempty"`
}

// ReplayInfo describes how a result relates to the checkpoint it was
// reconstructed from.
type ReplayInfo struct {
	ReplayedFrom    string `json:"replayed_from"`
	OriginalTraceID string `json:"original_trace_id"`
	NewTraceID      string `json:"new_trace_id,omitempty"`
	StepsReplayed   int    `json:"steps_replayed"`
	StepsExecuted   int    `json:"steps_executed"`

	// DivergedAt is the position of the first tool call that differs from
	// the checkpoint's pending calls, or -1 when no divergence was found.
	DivergedAt int `json:"diverged_at"`
}

// LastAssistantText returns the text of the last assistant message in the
// transcript, or the empty string when there is none.
func LastAssistantText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i].Text()
		}
	}
	return ""
}
