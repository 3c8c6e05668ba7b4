// Package providers contains the concrete LLM backend adapters: OpenAI and
// OpenAI-compatible endpoints, Anthropic, Google Gemini, and Ollama. Each
// adapter converts between the core chat types and one provider's wire format.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/internal/config"
	"github.com/strandlabs/sovereign/pkg/models"
)

// Factory builds backends on demand from the provider configuration. Unknown
// provider tags are an error; the caller decides whether that is fatal.
func Factory(cfg config.ProvidersConfig) backend.Factory {
	return func(provider string) (backend.Backend, error) {
		ep := cfg.Endpoints[provider]
		switch provider {
		case "openai":
			return NewOpenAIBackend(OpenAIConfig{APIKey: ep.APIKey, BaseURL: ep.BaseURL}), nil
		case "openrouter":
			return NewOpenRouterBackend(OpenAIConfig{APIKey: ep.APIKey, BaseURL: ep.BaseURL}), nil
		case "anthropic":
			return NewAnthropicBackend(AnthropicConfig{APIKey: ep.APIKey, BaseURL: ep.BaseURL}), nil
		case "google":
			return NewGoogleBackend(GoogleConfig{APIKey: ep.APIKey})
		case "ollama":
			return NewOllamaBackend(OllamaConfig{BaseURL: ep.BaseURL}), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
	}
}

// collect drains a chunk stream into a completed response. Adapters whose
// upstream API only streams implement Chat on top of ChatStream with it.
func collect(ctx context.Context, ch <-chan backend.ChatChunk) (*backend.ChatResponse, error) {
	resp := &backend.ChatResponse{FinishReason: backend.FinishStop}
	var content strings.Builder

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				resp.Content = content.String()
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.ID != "" {
				resp.ID = chunk.ID
			}
			content.WriteString(chunk.Delta.Content)
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

// transientError classifies provider failures worth retrying: rate limits,
// 5xx responses, and timeouts.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// parseArguments decodes an accumulated tool-argument JSON fragment. Empty or
// malformed input degrades to no arguments so one bad call does not poison
// the whole turn.
func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// jsonFormatTool is the synthetic tool used to express structured response
// formats on providers without a native response-format knob. The model is
// forced to call it; unwrapJSONFormat folds the call's arguments back into
// assistant content so the emulation never appears in the transcript.
const jsonFormatTool = "json_response"

// emulateJSONFormat rewrites a structured-format request into a forced call
// of jsonFormatTool carrying the schema. Returns the request unchanged when
// no rewrite is needed.
func emulateJSONFormat(req *backend.ChatRequest) (*backend.ChatRequest, bool) {
	rf := req.ResponseFormat
	if rf == nil || (rf.Type != backend.ResponseJSONObject && rf.Type != backend.ResponseJSONSchema) {
		return req, false
	}
	schema := rf.JSONSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","additionalProperties":true}`)
	}
	clone := *req
	clone.ResponseFormat = nil
	clone.Tools = []models.ToolSchema{{
		Name:        jsonFormatTool,
		Description: "Respond with the final answer as a JSON object matching this schema.",
		Parameters:  schema,
	}}
	clone.ToolChoice = &backend.ToolChoice{Mode: backend.ToolChoiceFunction, Function: jsonFormatTool}
	return &clone, true
}

// unwrapJSONFormat surfaces the forced jsonFormatTool call as assistant
// content. Any other tool calls pass through untouched.
func unwrapJSONFormat(in <-chan backend.ChatChunk) <-chan backend.ChatChunk {
	out := make(chan backend.ChatChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			if len(chunk.Delta.ToolCalls) > 0 {
				kept := chunk.Delta.ToolCalls[:0:0]
				for _, tc := range chunk.Delta.ToolCalls {
					if tc.Name == jsonFormatTool {
						chunk.Delta.Content += string(tc.ArgumentsJSON())
					} else {
						kept = append(kept, tc)
					}
				}
				chunk.Delta.ToolCalls = kept
				if len(kept) == 0 && chunk.FinishReason == backend.FinishToolCalls {
					chunk.FinishReason = backend.FinishStop
				}
			}
			out <- chunk
		}
	}()
	return out
}

// systemPrompt extracts and joins the system messages of a transcript for
// providers that carry the system prompt outside the message array.
func systemPrompt(msgs []models.Message) string {
	var parts []string
	for i := range msgs {
		if msgs[i].Role == models.RoleSystem {
			if text := msgs[i].Text(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
