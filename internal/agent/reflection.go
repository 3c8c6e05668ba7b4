package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strandlabs/sovereign/pkg/models"
)

// Insight is a short textual learning distilled from a prior run and
// optionally spliced into later system messages.
type Insight struct {
	AgentID   string    `json:"agent_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolObservation is what the reflection engine sees after each dispatch.
type ToolObservation struct {
	Call     models.ToolCall
	Output   any
	Error    string
	Duration time.Duration
}

// Reflector distills observations into advisories and insights. Reflector
// errors are never fatal; the orchestrator warns and moves on.
type Reflector interface {
	// ObserveTool inspects one completed dispatch. A non-empty advisory is
	// appended to the transcript as a system message.
	ObserveTool(ctx context.Context, agentID string, obs ToolObservation) (advisory string, err error)

	// Summarize produces an end-of-run insight, empty when there is
	// nothing worth keeping.
	Summarize(ctx context.Context, agentID string, result *models.RunResult) (string, error)
}

// maxInsightsPerAgent caps the per-agent insight history.
const maxInsightsPerAgent = 50

// insightLog stores insights per agent.
type insightLog struct {
	mu      sync.RWMutex
	byAgent map[string][]Insight
}

func newInsightLog() *insightLog {
	return &insightLog{byAgent: make(map[string][]Insight)}
}

func (l *insightLog) add(agentID, text string) {
	if text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ins := append(l.byAgent[agentID], Insight{AgentID: agentID, Text: text, CreatedAt: time.Now()})
	if len(ins) > maxInsightsPerAgent {
		ins = ins[len(ins)-maxInsightsPerAgent:]
	}
	l.byAgent[agentID] = ins
}

func (l *insightLog) texts(agentID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ins := l.byAgent[agentID]
	out := make([]string, len(ins))
	for i, in := range ins {
		out[i] = in.Text
	}
	return out
}

func (l *insightLog) summary(agentID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ins := l.byAgent[agentID]
	if len(ins) == 0 {
		return ""
	}
	latest := ins[len(ins)-1]
	return fmt.Sprintf("%d insights recorded; latest: %s", len(ins), latest.Text)
}

// failureReflector is the built-in rule-based reflector: it flags a tool
// that keeps failing within one run and summarizes heavy tool failure
// rates at the end.
type failureReflector struct {
	mu       sync.Mutex
	failures map[string]int // per run-scoped reflector: tool -> failures
}

// NewFailureReflector creates a run-scoped rule-based reflector.
func NewFailureReflector() Reflector {
	return &failureReflector{failures: make(map[string]int)}
}

func (r *failureReflector) ObserveTool(ctx context.Context, agentID string, obs ToolObservation) (string, error) {
	if obs.Error == "" {
		return "", nil
	}
	r.mu.Lock()
	r.failures[obs.Call.Name]++
	count := r.failures[obs.Call.Name]
	r.mu.Unlock()

	if count == 2 {
		return fmt.Sprintf("Note: tool %q has failed %d times this run; consider a different approach or different arguments.", obs.Call.Name, count), nil
	}
	return "", nil
}

func (r *failureReflector) Summarize(ctx context.Context, agentID string, result *models.RunResult) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, n := range r.failures {
		total += n
	}
	if total == 0 {
		return "", nil
	}
	return fmt.Sprintf("run %s: %d tool failures across %d tools", result.RunID, total, len(r.failures)), nil
}
