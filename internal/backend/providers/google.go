package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/pkg/models"
)

// GoogleConfig configures the Google Gemini backend.
type GoogleConfig struct {
	APIKey string
}

// GoogleBackend serves the Gemini API through the Google Gen AI SDK. The SDK
// exposes responses as a Go iterator; like the Anthropic adapter, Chat drains
// the stream internally.
type GoogleBackend struct {
	client     *genai.Client
	maxRetries int
	retryDelay time.Duration
}

var _ backend.Backend = (*GoogleBackend)(nil)

// NewGoogleBackend creates a Gemini backend.
func NewGoogleBackend(cfg GoogleConfig) (*GoogleBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleBackend{
		client:     client,
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// Provider returns the provider tag this backend serves.
func (b *GoogleBackend) Provider() string {
	return "google"
}

// Chat issues a blocking chat call by draining the streaming API.
func (b *GoogleBackend) Chat(ctx context.Context, req *backend.ChatRequest) (*backend.ChatResponse, error) {
	ch, err := b.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collect(ctx, ch)
}

// ChatStream issues a streaming chat call.
func (b *GoogleBackend) ChatStream(ctx context.Context, req *backend.ChatRequest) (<-chan backend.ChatChunk, error) {
	contents := convertGoogleMessages(req.Messages)
	config := buildGoogleConfig(req)

	out := make(chan backend.ChatChunk)
	go func() {
		defer close(out)

		for attempt := 0; attempt <= b.maxRetries; attempt++ {
			if attempt > 0 {
				delay := b.retryDelay * time.Duration(1<<(attempt-1))
				select {
				case <-ctx.Done():
					out <- backend.ChatChunk{Err: ctx.Err()}
					return
				case <-time.After(delay):
				}
			}

			emitted, err := b.consumeStream(ctx, out, req.Model, contents, config)
			if err == nil {
				return
			}
			// Once output has reached the caller the stream cannot be
			// restarted without duplicating it.
			if emitted || !transientError(err) || attempt == b.maxRetries {
				out <- backend.ChatChunk{Err: err}
				return
			}
		}
	}()
	return out, nil
}

// consumeStream runs one streaming attempt. It reports whether any chunk was
// sent before a failure, which decides retryability.
func (b *GoogleBackend) consumeStream(ctx context.Context, out chan<- backend.ChatChunk, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (bool, error) {
	var (
		calls   []models.ToolCall
		usage   *models.TokenUsage
		blocked bool
		emitted bool
	)

	for resp, err := range b.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		if err != nil {
			return emitted, fmt.Errorf("google: %w", err)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage = &models.TokenUsage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				blocked = true
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out <- backend.ChatChunk{Delta: backend.Delta{Content: part.Text}}
					emitted = true
				}
				if part.FunctionCall != nil {
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					// Gemini does not mint call IDs.
					calls = append(calls, models.ToolCall{
						ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, time.Now().UnixNano()),
						Name:      part.FunctionCall.Name,
						Arguments: args,
					})
				}
			}
		}
	}

	terminal := backend.ChatChunk{FinishReason: backend.FinishStop, Usage: usage}
	if blocked {
		terminal.FinishReason = backend.FinishLength
	}
	if len(calls) > 0 {
		terminal.Delta.ToolCalls = calls
		terminal.FinishReason = backend.FinishToolCalls
	}
	out <- terminal
	return true, nil
}

func convertGoogleMessages(msgs []models.Message) []*genai.Content {
	var result []*genai.Content

	// Function responses reference the tool by name, not call ID.
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
		// System instructions ride in the generation config.
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		switch msg.Role {
		case models.RoleTool:
			name := msg.Name
			if name == "" {
				name = toolNames[msg.ToolCallID]
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: map[string]any{"result": msg.Content},
				},
			})

		case models.RoleAssistant:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}

		default:
			if len(msg.Parts) > 0 {
				for _, p := range msg.Parts {
					if part := convertGooglePart(p); part != nil {
						content.Parts = append(content.Parts, part)
					}
				}
			} else if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func convertGooglePart(p models.ContentPart) *genai.Part {
	switch p.Kind {
	case models.ContentText:
		if p.Text == "" {
			return nil
		}
		return &genai.Part{Text: p.Text}
	case models.ContentImageURL:
		mimeType := p.MimeType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		return &genai.Part{FileData: &genai.FileData{FileURI: p.URL, MIMEType: mimeType}}
	case models.ContentImageBase64:
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil
		}
		return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: p.MimeType}}
	}
	return nil
}

func buildGoogleConfig(req *backend.ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system := systemPrompt(req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.TopP))
	}
	if len(req.Stop) > 0 {
		config.StopSequences = req.Stop
	}
	toolsDisabled := req.ToolChoice != nil && req.ToolChoice.Mode == backend.ToolChoiceNone
	if len(req.Tools) > 0 && !toolsDisabled {
		config.Tools = convertGoogleTools(req.Tools)
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case backend.ResponseJSONObject:
			config.ResponseMIMEType = "application/json"
		case backend.ResponseJSONSchema:
			config.ResponseMIMEType = "application/json"
			config.ResponseSchema = toGoogleSchema(parseArguments(string(rf.JSONSchema)))
		}
	}
	return config
}

func convertGoogleTools(tools []models.ToolSchema) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		schemaMap := parseArguments(string(tool.Parameters))
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGoogleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGoogleSchema converts a JSON-Schema map to Gemini's typed schema. Only
// the subset Gemini understands is carried over.
func toGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if len(schemaMap) == 0 {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGoogleSchema(items)
	}
	return schema
}
