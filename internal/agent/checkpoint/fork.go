package checkpoint

import (
	"context"
	"time"

	"github.com/strandlabs/sovereign/pkg/models"
)

// Metadata keys recorded on forked checkpoints.
const (
	MetaForkedFrom = "forked_from"
	MetaForkType   = "fork_type"
)

// ForkOptions selects how a child checkpoint differs from its parent. When
// several fields are set the recorded fork type is the strongest mutation:
// mocked > input > context.
type ForkOptions struct {
	Label string

	// SystemContext is injected as an extra system message after the
	// transcript's leading system messages.
	SystemContext string

	// ReplaceInput replaces the content of the last user message.
	ReplaceInput string

	// ToolResults pre-fills tool-result overrides on the child.
	ToolResults map[string]any
}

// Fork derives a new checkpoint from a parent. The child gets a fresh id
// and records its lineage in metadata; the parent is untouched.
func Fork(parent *models.Checkpoint, opts ForkOptions) *models.Checkpoint {
	child := parent.Clone()
	child.ID = models.NewCheckpointID()
	child.CreatedAt = time.Now()
	child.Label = opts.Label

	forkType := models.ForkPlain
	if opts.SystemContext != "" {
		child.Messages = injectSystemContext(child.Messages, opts.SystemContext)
		forkType = models.ForkContext
	}
	if opts.ReplaceInput != "" {
		child.Messages = replaceLastUserMessage(child.Messages, opts.ReplaceInput)
		forkType = models.ForkInput
	}
	if len(opts.ToolResults) > 0 {
		if child.ToolResults == nil {
			child.ToolResults = make(map[string]any, len(opts.ToolResults))
		}
		for id, result := range opts.ToolResults {
			child.ToolResults[id] = result
		}
		forkType = models.ForkMocked
	}

	if child.Metadata == nil {
		child.Metadata = make(map[string]any, 2)
	}
	child.Metadata[MetaForkedFrom] = parent.ID
	child.Metadata[MetaForkType] = string(forkType)
	return child
}

// ForkAndRun forks a stored checkpoint, saves the child, and live-replays
// from it.
func (r *Replayer) ForkAndRun(ctx context.Context, parentID string, opts ForkOptions, run RunFunc) (*models.RunResult, error) {
	parent, err := r.store.Load(ctx, parentID)
	if err != nil {
		return nil, err
	}
	child := Fork(parent, opts)
	if err := r.store.Save(ctx, child); err != nil {
		return nil, err
	}
	return r.liveFrom(ctx, child, run)
}

func injectSystemContext(msgs []models.Message, content string) []models.Message {
	insert := 0
	for insert < len(msgs) && msgs[insert].Role == models.RoleSystem {
		insert++
	}
	out := make([]models.Message, 0, len(msgs)+1)
	out = append(out, msgs[:insert]...)
	out = append(out, models.SystemMessage(content))
	out = append(out, msgs[insert:]...)
	return out
}

func replaceLastUserMessage(msgs []models.Message, content string) []models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			msgs[i] = models.UserMessage(content)
			return msgs
		}
	}
	return append(msgs, models.UserMessage(content))
}
