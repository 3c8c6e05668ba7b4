package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/strandlabs/sovereign/internal/backend"
	"github.com/strandlabs/sovereign/pkg/models"
)

func TestConvertOpenAIMessages(t *testing.T) {
	msgs := []models.Message{
		models.SystemMessage("be terse"),
		models.UserMessage("hi"),
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "lookup", Arguments: map[string]any{"q": "go"}},
			},
		},
		models.ToolMessage("call-1", "lookup", `{"hits":3}`),
	}

	out := convertOpenAIMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("messages = %d, want 4", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be terse" {
		t.Errorf("system = %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	if out[2].ToolCalls[0].Function.Arguments != `{"q":"go"}` {
		t.Errorf("arguments = %q", out[2].ToolCalls[0].Function.Arguments)
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "call-1" {
		t.Errorf("tool message = %+v", out[3])
	}
}

func TestConvertOpenAIMessagesMultimodal(t *testing.T) {
	msgs := []models.Message{{
		Role: models.RoleUser,
		Parts: []models.ContentPart{
			models.TextPart("what is this?"),
			models.ImageURLPart("https://example.com/cat.png", "high"),
			models.ImageBase64Part("aGk=", "image/png"),
		},
	}}

	out := convertOpenAIMessages(msgs)
	if len(out) != 1 || len(out[0].MultiContent) != 3 {
		t.Fatalf("multi content = %+v", out)
	}
	if out[0].MultiContent[0].Text != "what is this?" {
		t.Errorf("text part = %+v", out[0].MultiContent[0])
	}
	if out[0].MultiContent[1].ImageURL.URL != "https://example.com/cat.png" {
		t.Errorf("url part = %+v", out[0].MultiContent[1])
	}
	if out[0].MultiContent[2].ImageURL.URL != "data:image/png;base64,aGk=" {
		t.Errorf("base64 part = %+v", out[0].MultiContent[2])
	}
}

func TestConvertOpenAIToolsBadSchemaDegrades(t *testing.T) {
	tools := convertOpenAITools([]models.ToolSchema{
		{Name: "good", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", Parameters: json.RawMessage(`{not json`)},
	})
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("bad schema did not degrade to empty object: %+v", tools[1].Function.Parameters)
	}
}

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`)
	}))
	defer server.Close()

	b := NewOpenAIBackend(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	resp, err := b.Chat(context.Background(), &backend.ChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.ID != "chatcmpl-1" || resp.Content != "Hi!" || resp.FinishReason != backend.FinishStop {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIChatStreamAccumulatesToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Let me check."}}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":"tool_calls"}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":6,"total_tokens":15}}`,
			`data: [DONE]`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	b := NewOpenAIBackend(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	ch, err := b.ChatStream(context.Background(), &backend.ChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content strings.Builder
	var terminal backend.ChatChunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		content.WriteString(chunk.Delta.Content)
		if chunk.FinishReason != "" {
			terminal = chunk
		}
	}
	if content.String() != "Let me check." {
		t.Errorf("content = %q", content.String())
	}
	if terminal.FinishReason != backend.FinishToolCalls {
		t.Errorf("finish = %q", terminal.FinishReason)
	}
	if len(terminal.Delta.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", terminal.Delta.ToolCalls)
	}
	call := terminal.Delta.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "lookup" || call.Arguments["q"] != "go" {
		t.Errorf("call = %+v", call)
	}
	if terminal.Usage == nil || terminal.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", terminal.Usage)
	}
}

func TestOpenAIChatNonRetryableError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	b := NewOpenAIBackend(OpenAIConfig{APIKey: "sk-bad", BaseURL: server.URL + "/v1"})
	_, err := b.Chat(context.Background(), &backend.ChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{models.UserMessage("hi")},
	})
	if err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("err = %v", err)
	}
}

func TestFinalizeCallsPreservesIssueOrder(t *testing.T) {
	pending := map[int]*pendingCall{
		1: {id: "b", name: "second"},
		0: {id: "a", name: "first"},
	}
	calls := finalizeCalls(pending)
	if len(calls) != 2 || calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestParseArguments(t *testing.T) {
	if args := parseArguments(`{"x":1}`); args["x"] != float64(1) {
		t.Errorf("args = %+v", args)
	}
	if args := parseArguments(""); len(args) != 0 {
		t.Errorf("empty input args = %+v", args)
	}
	if args := parseArguments("{broken"); len(args) != 0 {
		t.Errorf("malformed input args = %+v", args)
	}
}
