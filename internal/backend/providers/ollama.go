package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/pkg/models"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// OllamaBackend serves a local Ollama daemon over its NDJSON chat API. The
// tool definition format is OpenAI-compatible, so the OpenAI conversion is
// reused for the tool list.
type OllamaBackend struct {
	client  *http.Client
	baseURL string
}

var _ backend.Backend = (*OllamaBackend)(nil)

// NewOllamaBackend creates an Ollama backend.
func NewOllamaBackend(cfg OllamaConfig) *OllamaBackend {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Provider returns the provider tag this backend serves.
func (b *OllamaBackend) Provider() string {
	return "ollama"
}

// Chat issues a blocking chat call by draining the streaming API.
func (b *OllamaBackend) Chat(ctx context.Context, req *backend.ChatRequest) (*backend.ChatResponse, error) {
	ch, err := b.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collect(ctx, ch)
}

// ChatStream issues a streaming chat call.
func (b *OllamaBackend) ChatStream(ctx context.Context, req *backend.ChatRequest) (<-chan backend.ChatChunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		payload.Tools = convertOpenAITools(req.Tools)
	}
	payload.Options = buildOllamaOptions(req)
	payload.Format = ollamaFormat(req.ResponseFormat)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, fmt.Errorf("ollama: status %d (read body failed: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	out := make(chan backend.ChatChunk)
	go b.streamResponse(ctx, resp.Body, out)
	return out, nil
}

func (b *OllamaBackend) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- backend.ChatChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 1024*64)
	scanner.Buffer(buf, 1024*1024)

	var calls []models.ToolCall
	emitted := map[string]struct{}{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- backend.ChatChunk{Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- backend.ChatChunk{Err: fmt.Errorf("ollama: decode response: %w", err)}
			return
		}
		if resp.Error != "" {
			out <- backend.ChatChunk{Err: fmt.Errorf("ollama: %s", resp.Error)}
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- backend.ChatChunk{Delta: backend.Delta{Content: resp.Message.Content}}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}
				calls = append(calls, models.ToolCall{
					ID:        callID,
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: parseArguments(string(tc.Function.Arguments)),
				})
			}
		}

		if resp.Done {
			terminal := backend.ChatChunk{
				FinishReason: backend.FinishStop,
				Usage: &models.TokenUsage{
					InputTokens:  resp.PromptEvalCount,
					OutputTokens: resp.EvalCount,
					TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
				},
			}
			if len(calls) > 0 {
				terminal.Delta.ToolCalls = calls
				terminal.FinishReason = backend.FinishToolCalls
			}
			out <- terminal
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- backend.ChatChunk{Err: fmt.Errorf("ollama: %w", err)}
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`

	// Format constrains the response: the string "json" or a JSON schema.
	Format json.RawMessage `json:"format,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(msgs []models.Message) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(msgs))

	// Tool result messages carry the tool name, but resolve it from the
	// issuing assistant call when absent.
	toolNames := map[string]string{}
	for i := range msgs {
		for _, tc := range msgs[i].ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case models.RoleAssistant:
			ollamaMsg := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				ollamaMsg.ToolCalls = append(ollamaMsg.ToolCalls, ollamaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON(),
					},
				})
			}
			messages = append(messages, ollamaMsg)

		case models.RoleTool:
			toolName := msg.Name
			if toolName == "" {
				toolName = toolNames[msg.ToolCallID]
			}
			messages = append(messages, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolName,
			})

		default:
			messages = append(messages, ollamaChatMessage{
				Role:    string(msg.Role),
				Content: msg.Text(),
			})
		}
	}
	return messages
}

func buildOllamaOptions(req *backend.ChatRequest) map[string]any {
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

// ollamaFormat maps a response format to Ollama's native format field.
func ollamaFormat(rf *backend.ResponseFormat) json.RawMessage {
	if rf == nil {
		return nil
	}
	switch rf.Type {
	case backend.ResponseJSONObject:
		return json.RawMessage(`"json"`)
	case backend.ResponseJSONSchema:
		if len(rf.JSONSchema) > 0 {
			return rf.JSONSchema
		}
		return json.RawMessage(`"json"`)
	}
	return nil
}

func toolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
