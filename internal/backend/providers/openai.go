package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/pkg/models"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIConfig configures an OpenAI or OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAIBackend serves OpenAI and OpenAI-compatible chat endpoints through
// the sashabaranov client. Tool calls stream incrementally and are
// accumulated by index; the complete list is reported on the terminal chunk.
type OpenAIBackend struct {
	client     *openai.Client
	provider   string
	maxRetries int
	retryDelay time.Duration
}

var _ backend.Backend = (*OpenAIBackend)(nil)

// NewOpenAIBackend creates an OpenAI backend. An empty API key is allowed;
// requests will fail upstream until one is configured.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	return newOpenAICompatible("openai", cfg)
}

// NewOpenRouterBackend creates a backend against OpenRouter's
// OpenAI-compatible API.
func NewOpenRouterBackend(cfg OpenAIConfig) *OpenAIBackend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = openRouterBaseURL
	}
	return newOpenAICompatible("openrouter", cfg)
}

func newOpenAICompatible(provider string, cfg OpenAIConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	return &OpenAIBackend{
		client:     openai.NewClientWithConfig(clientCfg),
		provider:   provider,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Provider returns the provider tag this backend serves.
func (b *OpenAIBackend) Provider() string {
	return b.provider
}

// Chat issues a blocking chat call.
func (b *OpenAIBackend) Chat(ctx context.Context, req *backend.ChatRequest) (*backend.ChatResponse, error) {
	chatReq := b.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	err := b.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = b.client.CreateChatCompletion(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response carried no choices", b.provider)
	}

	choice := resp.Choices[0]
	out := &backend.ChatResponse{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		FinishReason: mapOpenAIFinish(choice.FinishReason),
		Usage: &models.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream issues a streaming chat call.
func (b *OpenAIBackend) ChatStream(ctx context.Context, req *backend.ChatRequest) (<-chan backend.ChatChunk, error) {
	chatReq := b.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	err := b.withRetry(ctx, func() error {
		var callErr error
		stream, callErr = b.client.CreateChatCompletionStream(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	out := make(chan backend.ChatChunk)
	go b.processStream(ctx, stream, out)
	return out, nil
}

// pendingCall accumulates one tool call across stream deltas. The argument
// JSON arrives as fragments and is parsed only once the stream ends.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (b *OpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- backend.ChatChunk) {
	defer close(out)
	defer stream.Close()

	var (
		id      string
		finish  backend.FinishReason
		usage   *models.TokenUsage
		pending = make(map[int]*pendingCall)
	)

	for {
		select {
		case <-ctx.Done():
			out <- backend.ChatChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err == io.EOF {
			terminal := backend.ChatChunk{ID: id, FinishReason: finish, Usage: usage}
			if terminal.FinishReason == "" {
				terminal.FinishReason = backend.FinishStop
			}
			terminal.Delta.ToolCalls = finalizeCalls(pending)
			if len(terminal.Delta.ToolCalls) > 0 {
				terminal.FinishReason = backend.FinishToolCalls
			}
			out <- terminal
			return
		}
		if err != nil {
			out <- backend.ChatChunk{Err: err}
			return
		}

		if resp.ID != "" {
			id = resp.ID
		}
		if resp.Usage != nil {
			usage = &models.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- backend.ChatChunk{ID: id, Delta: backend.Delta{Content: choice.Delta.Content}}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &pendingCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finish = mapOpenAIFinish(choice.FinishReason)
		}
	}
}

// finalizeCalls converts accumulated calls to the wire order the model
// issued them in.
func finalizeCalls(pending map[int]*pendingCall) []models.ToolCall {
	if len(pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := pending[i]
		if call.id == "" || call.name == "" {
			continue
		}
		calls = append(calls, models.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: parseArguments(call.args.String()),
		})
	}
	return calls
}

func (b *OpenAIBackend) buildRequest(req *backend.ChatRequest, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		chatReq.Stop = req.Stop
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case backend.ToolChoiceNone:
			chatReq.ToolChoice = "none"
		case backend.ToolChoiceRequired:
			chatReq.ToolChoice = "required"
		case backend.ToolChoiceFunction:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.Function},
			}
		default:
			chatReq.ToolChoice = "auto"
		}
	}
	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case backend.ResponseJSONObject:
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		case backend.ResponseJSONSchema:
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   "response",
					Schema: req.ResponseFormat.JSONSchema,
				},
			}
		}
	}
	return chatReq
}

func convertOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.ArgumentsJSON()),
					},
				})
			}
			result = append(result, oaiMsg)

		default:
			oaiMsg := openai.ChatCompletionMessage{Role: string(msg.Role)}
			if msg.IsMultimodal() {
				oaiMsg.MultiContent = convertOpenAIParts(msg.Parts)
			} else {
				oaiMsg.Content = msg.Text()
			}
			result = append(result, oaiMsg)
		}
	}
	return result
}

func convertOpenAIParts(parts []models.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case models.ContentText:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case models.ContentImageURL:
			detail := openai.ImageURLDetailAuto
			if p.Detail != "" {
				detail = openai.ImageURLDetail(p.Detail)
			}
			out = append(out, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.URL, Detail: detail},
			})
		case models.ContentImageBase64:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + p.MimeType + ";base64," + p.Data,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	return out
}

func convertOpenAITools(tools []models.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			// One bad schema must not break the rest of the tool list.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func mapOpenAIFinish(reason openai.FinishReason) backend.FinishReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return backend.FinishToolCalls
	case openai.FinishReasonLength:
		return backend.FinishLength
	default:
		return backend.FinishStop
	}
}

// withRetry runs fn with linear backoff on transient failures.
func (b *OpenAIBackend) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.retryDelay * time.Duration(attempt)):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !transientError(lastErr) {
			return fmt.Errorf("%s: %w", b.provider, lastErr)
		}
	}
	return fmt.Errorf("%s: max retries exceeded: %w", b.provider, lastErr)
}
