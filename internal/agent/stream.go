package agent

import (
	"context"

	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/pkg/models"
)

// readStream consumes a streaming chat reply and synthesizes the
// non-streaming-equivalent response: content deltas concatenate (each
// non-empty delta also goes to onToken), tool-call chunks replace the
// in-progress list, and the terminal chunk supplies finish reason and
// usage. When the backend reports no usage, tokens are estimated from the
// prompt and the aggregated content.
func readStream(ctx context.Context, ch <-chan backend.ChatChunk, messages []models.Message, onToken func(string)) (*backend.ChatResponse, error) {
	resp := &backend.ChatResponse{FinishReason: backend.FinishStop}
	var content []byte

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				resp.Content = string(content)
				if resp.Usage == nil {
					resp.Usage = estimateUsage(messages, resp.Content)
				}
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.ID != "" {
				resp.ID = chunk.ID
			}
			if chunk.Delta.Content != "" {
				content = append(content, chunk.Delta.Content...)
				if onToken != nil {
					onToken(chunk.Delta.Content)
				}
			}
			if len(chunk.Delta.ToolCalls) > 0 {
				resp.ToolCalls = chunk.Delta.ToolCalls
			}
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage = chunk.Usage
			}
		}
	}
}

// estimateUsage is the fallback accounting when a backend omits usage:
// input from the prompt transcript, output as ⌈len(content)/4⌉.
func estimateUsage(messages []models.Message, content string) *models.TokenUsage {
	in := estimateTranscriptTokens(messages)
	out := (len(content) + 3) / 4
	return &models.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
