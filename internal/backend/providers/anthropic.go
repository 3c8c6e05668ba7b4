package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/pkg/models"
)

// defaultAnthropicMaxTokens applies when a request carries no token limit;
// the Anthropic API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// AnthropicBackend serves the Anthropic Messages API. The upstream API only
// streams, so Chat drains the stream internally.
type AnthropicBackend struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

var _ backend.Backend = (*AnthropicBackend)(nil)

// NewAnthropicBackend creates an Anthropic backend.
func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		options = append(options, option.WithBaseURL(base))
	}
	return &AnthropicBackend{
		client:     anthropic.NewClient(options...),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Provider returns the provider tag this backend serves.
func (b *AnthropicBackend) Provider() string {
	return "anthropic"
}

// Chat issues a blocking chat call by draining the streaming API.
func (b *AnthropicBackend) Chat(ctx context.Context, req *backend.ChatRequest) (*backend.ChatResponse, error) {
	ch, err := b.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collect(ctx, ch)
}

// ChatStream issues a streaming chat call. Structured response formats have
// no native Messages API knob and are expressed as a forced tool call that
// is unwrapped before chunks reach the caller.
func (b *AnthropicBackend) ChatStream(ctx context.Context, req *backend.ChatRequest) (<-chan backend.ChatChunk, error) {
	req, emulated := emulateJSONFormat(req)
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan backend.ChatChunk)
	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var lastErr error
		for attempt := 0; attempt <= b.maxRetries; attempt++ {
			if attempt > 0 {
				// Exponential backoff: 1s, 2s, 4s with a 1s base delay.
				backoffDelay := b.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
				select {
				case <-ctx.Done():
					out <- backend.ChatChunk{Err: ctx.Err()}
					return
				case <-time.After(backoffDelay):
				}
			}
			stream = b.client.Messages.NewStreaming(ctx, params)
			lastErr = stream.Err()
			if lastErr == nil {
				break
			}
			if !transientError(lastErr) {
				out <- backend.ChatChunk{Err: fmt.Errorf("anthropic: %w", lastErr)}
				return
			}
		}
		if lastErr != nil {
			out <- backend.ChatChunk{Err: fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)}
			return
		}

		b.processStream(stream, out)
	}()
	if emulated {
		return unwrapJSONFormat(out), nil
	}
	return out, nil
}

func (b *AnthropicBackend) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- backend.ChatChunk) {
	var (
		id           string
		inputTokens  int
		outputTokens int
		stopReason   string
		calls        []models.ToolCall
		current      *models.ToolCall
		currentInput strings.Builder
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			id = messageStart.Message.ID
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- backend.ChatChunk{ID: id, Delta: backend.Delta{Content: delta.Text}}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = parseArguments(currentInput.String())
				calls = append(calls, *current)
				current = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}

		case "message_stop":
			terminal := backend.ChatChunk{
				ID:           id,
				FinishReason: mapAnthropicFinish(stopReason, len(calls) > 0),
				Usage: &models.TokenUsage{
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
					TotalTokens:  inputTokens + outputTokens,
				},
			}
			terminal.Delta.ToolCalls = calls
			out <- terminal
			return

		case "error":
			out <- backend.ChatChunk{Err: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- backend.ChatChunk{Err: fmt.Errorf("anthropic: %w", err)}
	}
}

func (b *AnthropicBackend) buildParams(req *backend.ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	// The system prompt lives outside the message array in the Anthropic API.
	if system := systemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	// Mode none withholds the tool list entirely; the Messages API has no
	// tool_choice value for it.
	toolsDisabled := req.ToolChoice != nil && req.ToolChoice.Mode == backend.ToolChoiceNone
	if len(req.Tools) > 0 && !toolsDisabled {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools

		if req.ToolChoice != nil {
			switch req.ToolChoice.Mode {
			case backend.ToolChoiceRequired:
				params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
			case backend.ToolChoiceFunction:
				params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.ToolChoice.Function)
			}
		}
	}

	return params, nil
}

func convertAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for i := range msgs {
		msg := &msgs[i]
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			isError := strings.HasPrefix(msg.Content, `{"error"`)
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError))

		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}

		default:
			if len(msg.Parts) > 0 {
				for _, p := range msg.Parts {
					switch p.Kind {
					case models.ContentText:
						if p.Text != "" {
							content = append(content, anthropic.NewTextBlock(p.Text))
						}
					case models.ContentImageBase64:
						content = append(content, anthropic.NewImageBlockBase64(p.MimeType, p.Data))
					case models.ContentImageURL:
						// The Messages API wants inline image data; remote
						// URLs are referenced textually instead.
						content = append(content, anthropic.NewTextBlock("[image] "+p.URL))
					}
				}
			} else if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

func mapAnthropicFinish(stopReason string, hasToolCalls bool) backend.FinishReason {
	switch stopReason {
	case "tool_use":
		return backend.FinishToolCalls
	case "max_tokens":
		return backend.FinishLength
	case "end_turn", "stop_sequence":
		return backend.FinishStop
	}
	if hasToolCalls {
		return backend.FinishToolCalls
	}
	return backend.FinishStop
}
