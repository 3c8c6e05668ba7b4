package models

import (
	"strings"
	"testing"
	"time"
)

func TestMessageText(t *testing.T) {
	plain := UserMessage("hello")
	if plain.Text() != "hello" {
		t.Errorf("Text() = %q, want %q", plain.Text(), "hello")
	}

	multi := Message{
		Role: RoleUser,
		Parts: []ContentPart{
			TextPart("look at "),
			ImageURLPart("https://example.com/cat.png", "high"),
			TextPart("this"),
		},
	}
	if got := multi.Text(); got != "look at this" {
		t.Errorf("Text() = %q, want %q", got, "look at this")
	}
	if !multi.IsMultimodal() {
		t.Error("expected multimodal message")
	}
	if plain.IsMultimodal() {
		t.Error("plain text message reported as multimodal")
	}
}

func TestToolResultContent(t *testing.T) {
	ok := ToolResult{CallID: "call_1", Name: "calc", Result: map[string]any{"sum": 3}}
	if got := ok.Content(); got != `{"sum":3}` {
		t.Errorf("Content() = %q", got)
	}
	if ok.Failed() {
		t.Error("success result reported as failed")
	}

	fail := ToolResult{CallID: "call_2", Name: "calc", Error: "division by zero"}
	if got := fail.Content(); got != `{"error":"division by zero"}` {
		t.Errorf("Content() = %q", got)
	}
	if !fail.Failed() {
		t.Error("error result not reported as failed")
	}

	null := ToolResult{CallID: "call_3", Name: "noop"}
	if got := null.Content(); got != "null" {
		t.Errorf("Content() = %q, want null", got)
	}
}

func TestCloneMessagesIsDeep(t *testing.T) {
	orig := []Message{
		SystemMessage("be brief"),
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "a", Arguments: map[string]any{"x": 1}},
			},
		},
	}

	clone := CloneMessages(orig)
	clone[0].Content = "changed"
	clone[1].ToolCalls[0].Arguments["x"] = 2

	if orig[0].Content != "be brief" {
		t.Error("clone shares message backing array with original")
	}
	if orig[1].ToolCalls[0].Arguments["x"] != 1 {
		t.Error("clone shares tool call arguments with original")
	}
}

func TestCheckpointClone(t *testing.T) {
	cp := &Checkpoint{
		ID:          "ckpt_abc",
		RunID:       "run_abc",
		StepIndex:   2,
		Messages:    []Message{UserMessage("hi")},
		ToolResults: map[string]any{"call_1": "ok"},
		Metadata:    map[string]any{"label": "before-fix"},
		CreatedAt:   time.Now(),
	}

	clone := cp.Clone()
	clone.Messages[0].Content = "bye"
	clone.ToolResults["call_1"] = "changed"
	clone.Metadata["label"] = "changed"

	if cp.Messages[0].Content != "hi" || cp.ToolResults["call_1"] != "ok" || cp.Metadata["label"] != "before-fix" {
		t.Error("Clone() shares state with original checkpoint")
	}
}

func TestIDFormats(t *testing.T) {
	cases := []struct {
		id     string
		prefix string
		length int
	}{
		{NewRunID(), "run_", 12},
		{NewThreadID(), "thread_", 12},
		{NewTraceID(), "trace_", 16},
		{NewSpanID(), "span_", 12},
		{NewCallID(), "call_", 12},
		{NewCheckpointID(), "ckpt_", 12},
	}
	for _, c := range cases {
		if !strings.HasPrefix(c.id, c.prefix) {
			t.Errorf("id %q missing prefix %q", c.id, c.prefix)
		}
		if len(c.id) != len(c.prefix)+c.length {
			t.Errorf("id %q has wrong length, want %d random chars", c.id, c.length)
		}
	}
	if NewRunID() == NewRunID() {
		t.Error("consecutive run ids collided")
	}
}

func TestSpanDuration(t *testing.T) {
	start := time.Now()
	s := Span{StartTime: start, EndTime: start.Add(250 * time.Millisecond)}
	if s.Duration() != 250*time.Millisecond {
		t.Errorf("Duration() = %s", s.Duration())
	}
}

func TestLastAssistantText(t *testing.T) {
	msgs := []Message{
		SystemMessage("sys"),
		UserMessage("hi"),
		AssistantMessage("first"),
		ToolMessage("call_1", "a", "{}"),
		AssistantMessage("final"),
	}
	if got := LastAssistantText(msgs); got != "final" {
		t.Errorf("LastAssistantText = %q", got)
	}
	if got := LastAssistantText(nil); got != "" {
		t.Errorf("LastAssistantText(nil) = %q", got)
	}
}
