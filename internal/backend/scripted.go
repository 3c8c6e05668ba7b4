package backend

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ScriptedBackend replays a fixed sequence of responses. It backs the "mock"
// provider for offline runs and is the reference backend for tests:
// deterministic, concurrency-safe, and free of network I/O.
type ScriptedBackend struct {
	provider  string
	responses []*ChatResponse
	calls     atomic.Int32

	// ChatFunc, when set, overrides the scripted responses entirely.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// NewScriptedBackend creates a backend that returns the given responses in
// order. When the script is exhausted the last response repeats.
func NewScriptedBackend(provider string, responses ...*ChatResponse) *ScriptedBackend {
	return &ScriptedBackend{provider: provider, responses: responses}
}

// Provider returns the provider tag.
func (s *ScriptedBackend) Provider() string { return s.provider }

// Calls returns how many chat calls have been issued.
func (s *ScriptedBackend) Calls() int { return int(s.calls.Load()) }

// Chat returns the next scripted response.
func (s *ScriptedBackend) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call := int(s.calls.Add(1)) - 1
	if s.ChatFunc != nil {
		return s.ChatFunc(ctx, req)
	}
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted backend %q has no responses", s.provider)
	}
	if call >= len(s.responses) {
		call = len(s.responses) - 1
	}
	resp := *s.responses[call]
	if resp.ID == "" {
		resp.ID = fmt.Sprintf("scripted_%d", call)
	}
	return &resp, nil
}

// ChatStream chunks the scripted response: the content arrives in small
// deltas followed by a terminal chunk carrying tool calls, finish reason,
// and usage.
func (s *ScriptedBackend) ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan ChatChunk, 8)
	go func() {
		defer close(ch)

		const deltaSize = 8
		for i := 0; i < len(resp.Content); i += deltaSize {
			end := i + deltaSize
			if end > len(resp.Content) {
				end = len(resp.Content)
			}
			select {
			case ch <- ChatChunk{ID: resp.ID, Delta: Delta{Content: resp.Content[i:end]}}:
			case <-ctx.Done():
				ch <- ChatChunk{ID: resp.ID, Err: ctx.Err()}
				return
			}
		}

		final := ChatChunk{
			ID:           resp.ID,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
		}
		if len(resp.ToolCalls) > 0 {
			final.Delta.ToolCalls = resp.ToolCalls
		}
		select {
		case ch <- final:
		case <-ctx.Done():
			ch <- ChatChunk{ID: resp.ID, Err: ctx.Err()}
		}
	}()
	return ch, nil
}
