package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/strandlabs/sovereign/pkg/models"
)

func TestAgentValidate(t *testing.T) {
	base := func() *Agent {
		return &Agent{ID: "a", Instructions: "x", Model: "mock/m1"}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid agent rejected: %v", err)
	}

	noID := base()
	noID.ID = ""
	if err := noID.Validate(); KindOf(err) != ErrValidation {
		t.Errorf("missing id: %v", err)
	}

	noModel := base()
	noModel.Model = ""
	if err := noModel.Validate(); KindOf(err) != ErrValidation {
		t.Errorf("missing model: %v", err)
	}

	dup := base()
	dup.Tools = []Tool{stubTool("x", 1), stubTool("x", 2)}
	if err := dup.Validate(); err == nil || !strings.Contains(err.Error(), "twice") {
		t.Errorf("duplicate tools: %v", err)
	}
}

func TestAgentDefaults(t *testing.T) {
	a := &Agent{ID: "a", Model: "m"}
	if a.EffectiveMaxIterations() != DefaultMaxIterations {
		t.Errorf("max iterations = %d", a.EffectiveMaxIterations())
	}
	if a.EffectiveTimeout() != DefaultTimeout {
		t.Errorf("timeout = %v", a.EffectiveTimeout())
	}
	if a.EffectiveTemperature() != DefaultTemperature {
		t.Errorf("temperature = %v", a.EffectiveTemperature())
	}

	a.MaxIterations = 3
	a.Timeout = time.Minute
	temp := 0.1
	a.Temperature = &temp
	if a.EffectiveMaxIterations() != 3 || a.EffectiveTimeout() != time.Minute || a.EffectiveTemperature() != 0.1 {
		t.Error("explicit settings not honored")
	}
}

func TestAgentSerializeRoundTrip(t *testing.T) {
	search := stubTool("search", "hit")
	a := &Agent{
		ID: "researcher", Name: "Researcher",
		Instructions: "Find things.",
		Model:        "mock/m1",
		Tools:        []Tool{search},
	}

	data, err := a.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	reg := NewRegistry()
	reg.Register(search)
	restored, err := Deserialize(data, reg)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if restored.ID != "researcher" || len(restored.Tools) != 1 || restored.Tools[0].Name() != "search" {
		t.Errorf("restored = %+v", restored)
	}
}

func TestDeserializeUnknownTool(t *testing.T) {
	a := &Agent{ID: "a", Instructions: "x", Model: "m", Tools: []Tool{stubTool("gone", 0)}}
	data, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	_, err = Deserialize(data, NewRegistry())
	if KindOf(err) != ErrConfiguration {
		t.Errorf("err = %v, want configuration error", err)
	}
}

func TestRegistryShadowingKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("alpha", 1))
	r.Register(stubTool("beta", 2))
	r.Register(stubTool("alpha", 3)) // shadows in place

	names := r.GetNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("names = %v", names)
	}

	tool, _ := r.Get("alpha")
	v, _ := tool.Execute(context.Background(), nil, nil)
	if v != 3 {
		t.Errorf("shadowed tool value = %v, want the replacement", v)
	}
}

func TestRegistrySnapshotIsIndependent(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("a", 1))

	snap := r.Snapshot()
	r.Register(stubTool("b", 2))
	r.Clear()

	if snap.Len() != 1 || !snap.Has("a") {
		t.Errorf("snapshot mutated: len=%d", snap.Len())
	}
}

func TestRegistrySchemasInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("second_registered_first", 1))
	r.Register(stubTool("then_this", 2))

	schemas := r.GetSchemas()
	if len(schemas) != 2 || schemas[0].Name != "second_registered_first" {
		t.Errorf("schemas = %+v", schemas)
	}
}

func TestSchemaSafeParseNormalizesNumbers(t *testing.T) {
	s := MustCompileSchema(`{
		"type": "object",
		"properties": {"n": {"type": "integer"}},
		"required": ["n"]
	}`)

	// A Go int survives the canonicalizing round trip as float64 and still
	// validates as a JSON integer.
	args, err := s.SafeParse(map[string]any{"n": 7})
	if err != nil {
		t.Fatalf("SafeParse: %v", err)
	}
	if args["n"] != float64(7) {
		t.Errorf("n = %v (%T)", args["n"], args["n"])
	}

	if _, err := s.SafeParse(map[string]any{}); err == nil {
		t.Error("missing required field accepted")
	}
}

func TestErrorRetryable(t *testing.T) {
	if !NewError(ErrLLMRateLimited, "slow down").Retryable() {
		t.Error("rate limit should be retryable")
	}
	if NewError(ErrValidation, "bad input").Retryable() {
		t.Error("validation should not be retryable")
	}
	if !NewError(ErrInternal, "upstream 503").Retryable() {
		t.Error("503 message should be retryable")
	}
	if !IsRetryable(fmt.Errorf("connection refused")) {
		t.Error("foreign transient error should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestErrorKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewError(ErrBudgetExceeded, "over"))
	if KindOf(wrapped) != ErrBudgetExceeded {
		t.Errorf("kind = %v", KindOf(wrapped))
	}
	if KindOf(fmt.Errorf("plain")) != ErrInternal {
		t.Errorf("foreign error kind = %v", KindOf(fmt.Errorf("plain")))
	}
}

func TestWindowCompressor(t *testing.T) {
	cm := NewWindowCompressor(nil)

	long := strings.Repeat("word ", 30000) // ~37k tokens
	msgs := []models.Message{models.SystemMessage("sys")}
	for i := 0; i < 20; i++ {
		msgs = append(msgs, models.UserMessage(long))
	}

	if !cm.NeedsCompression(msgs, "unknown-model") {
		t.Fatal("oversized transcript not flagged")
	}

	out, err := cm.Compress(context.Background(), msgs, "unknown-model")
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(out) >= len(msgs) {
		t.Errorf("compression did not shrink: %d -> %d", len(msgs), len(out))
	}
	if out[0].Role != models.RoleSystem || out[0].Content != "sys" {
		t.Errorf("system message not preserved: %+v", out[0])
	}
	if !strings.Contains(out[1].Content, "Context note") {
		t.Errorf("summary note missing: %+v", out[1])
	}
	// The most recent turns survive verbatim.
	if out[len(out)-1].Content != long {
		t.Error("trailing message lost")
	}
}

func TestWindowCompressorKeepsToolPairsTogether(t *testing.T) {
	cm := NewWindowCompressor(nil).(*windowCompressor)
	cm.keepRecent = 2

	msgs := []models.Message{
		models.SystemMessage("sys"),
		models.UserMessage("a"),
		models.UserMessage("b"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "t"}}},
		models.ToolMessage("c1", "t", "r1"),
		models.ToolMessage("c2", "t", "r2"),
		{Role: models.RoleAssistant, Content: "done"},
	}

	out, err := cm.Compress(context.Background(), msgs, "m")
	if err != nil {
		t.Fatal(err)
	}
	// The cut moves past the tool results so none is orphaned from its
	// assistant message or dropped mid-pair.
	for i, m := range out {
		if m.Role == models.RoleTool && i > 0 && out[i-1].Role == models.RoleSystem && strings.Contains(out[i-1].Content, "Context note") {
			t.Errorf("tool message orphaned at %d: %+v", i, out)
		}
	}
}
