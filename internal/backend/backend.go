// Package backend defines the contract an LLM provider adapter must satisfy
// and the provider resolution rules the orchestrator uses. Concrete HTTP
// adapters live outside the core; the scripted backend serves tests and
// offline runs.
package backend

import (
	"context"
	"encoding/json"

	"github.com/strandlabs/sovereign/pkg/models"
)

// FinishReason explains why a chat response ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// ToolChoiceMode selects how the backend may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice constrains tool use for one request. Function is set only when
// Mode is ToolChoiceFunction.
type ToolChoice struct {
	Mode     ToolChoiceMode `json:"mode"`
	Function string         `json:"function,omitempty"`
}

// ResponseFormatType selects the response encoding.
type ResponseFormatType string

const (
	ResponseText       ResponseFormatType = "text"
	ResponseJSONObject ResponseFormatType = "json_object"
	ResponseJSONSchema ResponseFormatType = "json_schema"
)

// ResponseFormat requests a structured response. JSONSchema is set only when
// Type is ResponseJSONSchema.
type ResponseFormat struct {
	Type       ResponseFormatType `json:"type"`
	JSONSchema json.RawMessage    `json:"json_schema,omitempty"`
}

// ChatRequest is a single chat call to a backend.
type ChatRequest struct {
	Model          string              `json:"model"`
	Messages       []models.Message    `json:"messages"`
	Tools          []models.ToolSchema `json:"tools,omitempty"`
	ToolChoice     *ToolChoice         `json:"tool_choice,omitempty"`
	Temperature    *float64            `json:"temperature,omitempty"`
	TopP           *float64            `json:"top_p,omitempty"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Stop           []string            `json:"stop,omitempty"`
	ResponseFormat *ResponseFormat     `json:"response_format,omitempty"`
}

// ChatResponse is a completed, non-streaming chat reply.
type ChatResponse struct {
	ID           string             `json:"id"`
	Content      string             `json:"content"`
	ToolCalls    []models.ToolCall  `json:"tool_calls,omitempty"`
	FinishReason FinishReason       `json:"finish_reason"`
	Usage        *models.TokenUsage `json:"usage,omitempty"`
}

// Delta is the incremental payload of one stream chunk.
type Delta struct {
	Content string `json:"content,omitempty"`

	// ToolCalls, when present, replaces the in-progress tool call list;
	// backends report the final list in one chunk.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// ChatChunk is one element of a streaming chat reply. FinishReason and Usage
// appear only on the terminal chunk.
type ChatChunk struct {
	ID           string             `json:"id"`
	Delta        Delta              `json:"delta"`
	FinishReason FinishReason       `json:"finish_reason,omitempty"`
	Usage        *models.TokenUsage `json:"usage,omitempty"`

	// Err terminates the stream when set.
	Err error `json:"-"`
}

// Backend is the adapter contract for one LLM provider.
//
// Implementations must be safe for concurrent use; multiple runs may issue
// chat calls against the same backend simultaneously.
type Backend interface {
	// Provider returns the provider tag this backend serves.
	Provider() string

	// Chat issues a blocking chat call.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream issues a streaming chat call. The returned channel is
	// closed after the terminal chunk.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error)
}
