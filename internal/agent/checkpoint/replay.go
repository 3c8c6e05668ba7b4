package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandlabs/sovereign/pkg/models"
)

// Overlay carries caller-supplied modifications applied to a checkpoint
// before replay.
type Overlay struct {
	// TransformMessages rewrites the transcript before replay.
	TransformMessages func([]models.Message) []models.Message

	// ToolResults overrides cached tool results by call id.
	ToolResults map[string]any
}

// RunFunc executes a live run seeded with the checkpoint's transcript. The
// orchestrator supplies it; the replayer stays ignorant of how runs happen.
type RunFunc func(ctx context.Context, ckpt *models.Checkpoint) (*models.RunResult, error)

// Replayer reconstructs runs from stored checkpoints.
type Replayer struct {
	store  Store
	logger *slog.Logger
}

// NewReplayer creates a replayer over a store.
func NewReplayer(store Store, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{store: store, logger: logger}
}

// Store returns the underlying checkpoint store.
func (r *Replayer) Store() Store { return r.store }

// Deterministic rebuilds a result from the checkpoint alone: no backend
// calls, no tool executions. The output is the last assistant text of the
// (possibly overlaid) transcript and usage is zero apart from the time the
// reconstruction itself took.
func (r *Replayer) Deterministic(ctx context.Context, checkpointID string, overlay *Overlay) (*models.RunResult, error) {
	start := time.Now()
	ckpt, err := r.prepare(ctx, checkpointID, overlay)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("deterministic replay",
		"checkpoint_id", ckpt.ID,
		"steps", ckpt.StepIndex+1)

	return &models.RunResult{
		Output:   models.LastAssistantText(ckpt.Messages),
		RunID:    models.NewRunID(),
		AgentID:  ckpt.AgentID,
		Messages: ckpt.Messages,
		Usage:    models.Usage{Duration: time.Since(start)},
		Replay: &models.ReplayInfo{
			ReplayedFrom:    ckpt.ID,
			OriginalTraceID: ckpt.TraceID,
			StepsReplayed:   ckpt.StepIndex + 1,
			StepsExecuted:   0,
			DivergedAt:      -1,
		},
	}, nil
}

// Live rebuilds a run-ready transcript and hands it to run. The result is
// annotated with divergence between the new tool calls and the
// checkpoint's pending calls.
func (r *Replayer) Live(ctx context.Context, checkpointID string, overlay *Overlay, run RunFunc) (*models.RunResult, error) {
	ckpt, err := r.prepare(ctx, checkpointID, overlay)
	if err != nil {
		return nil, err
	}
	return r.liveFrom(ctx, ckpt, run)
}

func (r *Replayer) liveFrom(ctx context.Context, ckpt *models.Checkpoint, run RunFunc) (*models.RunResult, error) {
	if run == nil {
		return nil, fmt.Errorf("live replay requires a run function")
	}

	res, err := run(ctx, ckpt)
	if err != nil {
		return nil, fmt.Errorf("live replay from %s failed: %w", ckpt.ID, err)
	}

	res.Replay = &models.ReplayInfo{
		ReplayedFrom:    ckpt.ID,
		OriginalTraceID: ckpt.TraceID,
		NewTraceID:      res.Trace.TraceID,
		StepsReplayed:   ckpt.StepIndex + 1,
		StepsExecuted:   executedSteps(&res.Trace),
		DivergedAt:      DetectDivergence(ckpt.PendingToolCalls, res.ToolCalls),
	}
	return res, nil
}

func (r *Replayer) prepare(ctx context.Context, checkpointID string, overlay *Overlay) (*models.Checkpoint, error) {
	ckpt, err := r.store.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	ckpt = ckpt.Clone()

	if overlay != nil {
		if overlay.TransformMessages != nil {
			ckpt.Messages = overlay.TransformMessages(ckpt.Messages)
		}
		if len(overlay.ToolResults) > 0 {
			if ckpt.ToolResults == nil {
				ckpt.ToolResults = make(map[string]any, len(overlay.ToolResults))
			}
			for id, result := range overlay.ToolResults {
				ckpt.ToolResults[id] = result
			}
		}
	}
	return ckpt, nil
}

// DetectDivergence compares the replayed run's tool calls to the
// checkpoint's pending calls. It returns the position of the first call
// whose name or serialized arguments differ — or the length of the common
// prefix when one list is longer — and -1 when the sequences agree.
func DetectDivergence(pending, actual []models.ToolCall) int {
	n := len(pending)
	if len(actual) < n {
		n = len(actual)
	}
	for k := 0; k < n; k++ {
		if pending[k].Name != actual[k].Name {
			return k
		}
		if canonicalArgs(pending[k].Arguments) != canonicalArgs(actual[k].Arguments) {
			return k
		}
	}
	if len(pending) != len(actual) {
		return n
	}
	return -1
}

// canonicalArgs serializes arguments deterministically; encoding/json sorts
// map keys.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// executedSteps counts the backend calls and tool executions in a trace.
func executedSteps(trace *models.Trace) int {
	count := 0
	for i := range trace.Spans {
		name := trace.Spans[i].Name
		if name == models.SpanNameLLMCall || models.IsToolSpan(name) {
			count++
		}
	}
	return count
}
