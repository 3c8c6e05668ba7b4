package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/strandlabs/sovereign/internal/memory"
	"github.com/strandlabs/sovereign/pkg/models"
)

// historyLimit caps how many memory entries seed a transcript.
const historyLimit = 20

// audioPrefix marks upstream-transcribed audio in the user turn.
const audioPrefix = "[Audio transcription]: "

// ContextComposer builds a budget-constrained transcript prefix from thread
// history. The context manager implements it; the builder falls back to a
// plain recent-entry splice when none is configured.
type ContextComposer interface {
	Compose(ctx context.Context, agent *Agent, threadID string, model string) ([]models.Message, error)
}

// messageBuilder produces the initial transcript of a run and persists
// turns back to memory.
type messageBuilder struct {
	adapter  memory.Adapter
	composer ContextComposer
	logger   *slog.Logger
}

func newMessageBuilder(adapter memory.Adapter, composer ContextComposer, logger *slog.Logger) *messageBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &messageBuilder{adapter: adapter, composer: composer, logger: logger}
}

// build assembles the initial message list per the memory flags. Memory
// failures degrade to the memory-off shape; they never fail the run.
func (b *messageBuilder) build(ctx context.Context, agent *Agent, opts *RunOptions, threadID string) []models.Message {
	userMsg := buildUserMessage(opts)
	base := []models.Message{models.SystemMessage(agent.Instructions), userMsg}

	if b.adapter == nil || !opts.UseMemory() {
		return base
	}

	if _, err := b.adapter.CreateThread(ctx, agent.ID, nil, threadID); err != nil {
		b.warnMemory(opts, fmt.Errorf("failed to ensure thread %s: %w", threadID, err))
		return base
	}
	if !opts.LoadHistory() {
		return base
	}

	if b.composer != nil {
		prefix, err := b.composer.Compose(ctx, agent, threadID, agent.Model)
		if err != nil {
			b.warnMemory(opts, fmt.Errorf("context composer failed for thread %s: %w", threadID, err))
			return base
		}
		return append(prefix, userMsg)
	}

	entries, err := b.adapter.GetEntries(ctx, memory.EntryQuery{ThreadID: threadID, Limit: historyLimit})
	if err != nil {
		b.warnMemory(opts, fmt.Errorf("failed to load history for thread %s: %w", threadID, err))
		return base
	}

	msgs := make([]models.Message, 0, len(entries)+2)
	msgs = append(msgs, models.SystemMessage(agent.Instructions))
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	return append(msgs, userMsg)
}

// saveEntry persists one turn. Failures are warned and forwarded to the
// memory error callback; they never propagate.
func (b *messageBuilder) saveEntry(ctx context.Context, opts *RunOptions, threadID string, msg models.Message, calls []models.ToolCall, results []models.ToolResult) {
	if b.adapter == nil || !opts.UseMemory() || !opts.SaveHistory() {
		return
	}
	entry := &memory.Entry{
		ThreadID:    threadID,
		Message:     msg,
		ToolCalls:   calls,
		ToolResults: results,
		TokenCount:  estimateMessageTokens(&msg),
	}
	if err := b.adapter.AddEntry(ctx, entry); err != nil {
		b.warnMemory(opts, fmt.Errorf("failed to save %s turn to thread %s: %w", msg.Role, threadID, err))
	}
}

func (b *messageBuilder) warnMemory(opts *RunOptions, err error) {
	b.logger.Warn("memory operation failed", "error", err)
	if opts.OnMemoryError != nil {
		opts.OnMemoryError(err)
	}
}

// buildUserMessage assembles the user turn: text (with any audio transcript
// prefixed) plus attached images as content parts.
func buildUserMessage(opts *RunOptions) models.Message {
	text := opts.Input
	if opts.Audio != nil && opts.Audio.Transcript != "" {
		text = audioPrefix + opts.Audio.Transcript + "\n" + text
	}
	if len(opts.Images) == 0 {
		return models.UserMessage(text)
	}

	parts := make([]models.ContentPart, 0, len(opts.Images)+1)
	parts = append(parts, models.TextPart(text))
	for _, img := range opts.Images {
		if img.URL != "" {
			parts = append(parts, models.ImageURLPart(img.URL, ""))
		} else if img.Base64 != "" {
			parts = append(parts, models.ImageBase64Part(img.Base64, img.MediaType))
		}
	}
	return models.Message{Role: models.RoleUser, Parts: parts}
}

// enrichWithInsights appends a bullet list of prior-run insights to the
// system message.
func enrichWithInsights(msgs []models.Message, insights []string) []models.Message {
	if len(insights) == 0 || len(msgs) == 0 || msgs[0].Role != models.RoleSystem {
		return msgs
	}
	var b strings.Builder
	b.WriteString(msgs[0].Content)
	b.WriteString("\n\nInsights from previous runs:\n")
	for _, ins := range insights {
		b.WriteString("- ")
		b.WriteString(ins)
		b.WriteString("\n")
	}
	msgs[0].Content = b.String()
	return msgs
}

// addContext appends key-value context pairs to the system message in
// sorted key order so transcripts stay deterministic.
func addContext(msgs []models.Message, kv map[string]string) []models.Message {
	if len(kv) == 0 || len(msgs) == 0 || msgs[0].Role != models.RoleSystem {
		return msgs
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msgs[0].Content)
	b.WriteString("\n\nContext:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, kv[k])
	}
	msgs[0].Content = b.String()
	return msgs
}

// estimateMessageTokens approximates tokens as ⌈chars/4⌉ over the text.
func estimateMessageTokens(m *models.Message) int {
	return (len(m.Text()) + 3) / 4
}

// estimateTranscriptTokens sums the estimate over a message list.
func estimateTranscriptTokens(msgs []models.Message) int {
	total := 0
	for i := range msgs {
		total += estimateMessageTokens(&msgs[i])
	}
	return total
}
