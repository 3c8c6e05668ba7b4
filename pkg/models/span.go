package models

import "time"

// SpanKind classifies the role of the operation a span describes.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus is the terminal status of a span.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
	SpanStatusUnset SpanStatus = "unset"
)

// Span names emitted by the run orchestrator. RootSpanName covers the whole
// run and sits at position 0 of the finished trace; each backend call gets
// an llm.chat span and each tool execution a tool.<name> span.
const (
	RootSpanName    = "agent.run"
	SpanNameLLMCall = "llm.chat"
	ToolSpanPrefix  = "tool."
)

// ToolSpanName returns the span name for one tool execution.
func ToolSpanName(tool string) string { return ToolSpanPrefix + tool }

// IsToolSpan reports whether a span name describes a tool execution.
func IsToolSpan(name string) bool {
	return len(name) > len(ToolSpanPrefix) && name[:len(ToolSpanPrefix)] == ToolSpanPrefix
}

// Attribute keys used on orchestrator spans.
const (
	AttrModel        = "llm.model"
	AttrIteration    = "llm.iteration"
	AttrInputTokens  = "llm.input_tokens"
	AttrOutputTokens = "llm.output_tokens"
	AttrFinishReason = "llm.finish_reason"
	AttrResponseText = "llm.response_text"
	AttrToolName     = "tool.name"
	AttrToolCallID   = "tool.call_id"
	AttrToolArgs     = "tool.arguments"
	AttrToolSuccess  = "tool.success"
	AttrToolError    = "tool.error"
)

// Span is one node of a run's trace tree. A child span's interval lies
// within its parent's.
type Span struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Kind       SpanKind       `json:"kind"`
	Status     SpanStatus     `json:"status"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Duration returns EndTime − StartTime.
func (s *Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Trace is the ordered span list of a finished run. The root agent.run span
// is at position 0.
type Trace struct {
	TraceID string `json:"trace_id"`
	Spans   []Span `json:"spans"`
}
