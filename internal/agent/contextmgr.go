package agent

import (
	"context"
	"fmt"

	"github.com/strandlabs/sovereign/internal/agent/routing"
	"github.com/strandlabs/sovereign/pkg/models"
)

// ContextManager decides when a transcript no longer fits a model and
// produces a compressed replacement.
type ContextManager interface {
	NeedsCompression(msgs []models.Message, model string) bool
	Compress(ctx context.Context, msgs []models.Message, model string) ([]models.Message, error)
}

// windowCompressor is the built-in context manager: when the estimated
// transcript tokens exceed a fraction of the model's context window it
// folds older turns into a single summary note, keeping the system message
// and the most recent turns intact.
type windowCompressor struct {
	catalog *routing.Catalog

	// threshold is the fraction of the context window that triggers
	// compression.
	threshold float64

	// keepRecent is how many trailing messages survive verbatim.
	keepRecent int
}

// fallbackContextWindow is assumed for models missing from the catalog.
const fallbackContextWindow = 32000

// NewWindowCompressor creates the built-in context manager.
func NewWindowCompressor(catalog *routing.Catalog) ContextManager {
	if catalog == nil {
		catalog = routing.NewCatalog()
	}
	return &windowCompressor{catalog: catalog, threshold: 0.75, keepRecent: 8}
}

func (w *windowCompressor) contextWindow(model string) int {
	if m, ok := w.catalog.Get(model); ok && m.ContextWindow > 0 {
		return m.ContextWindow
	}
	return fallbackContextWindow
}

func (w *windowCompressor) NeedsCompression(msgs []models.Message, model string) bool {
	budget := int(float64(w.contextWindow(model)) * w.threshold)
	return estimateTranscriptTokens(msgs) > budget
}

// Compress keeps the system message and the trailing keepRecent messages,
// replacing everything between with one summary note. The cut is moved
// forward past tool messages so an assistant tool_calls message is never
// separated from its results.
func (w *windowCompressor) Compress(ctx context.Context, msgs []models.Message, model string) ([]models.Message, error) {
	if len(msgs) <= w.keepRecent+1 {
		return msgs, nil
	}

	head := 0
	if msgs[0].Role == models.RoleSystem {
		head = 1
	}
	cut := len(msgs) - w.keepRecent
	if cut <= head {
		return msgs, nil
	}
	for cut < len(msgs) && msgs[cut].Role == models.RoleTool {
		cut++
	}
	if cut >= len(msgs) {
		return msgs, nil
	}

	dropped := cut - head
	note := models.SystemMessage(fmt.Sprintf(
		"[Context note: %d earlier messages were summarized away to fit the model's context window.]", dropped))

	out := make([]models.Message, 0, head+1+len(msgs)-cut)
	out = append(out, msgs[:head]...)
	out = append(out, note)
	out = append(out, msgs[cut:]...)
	return out, nil
}
