package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/strandlabs/sovereign/pkg/models"
)

func TestRedactMasksSecrets(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"api_key=abc123secret", "[REDACTED]"},
		{"calling with token: xyz-999", "calling with [REDACTED]"},
		{"sk-abcdefghijklmnopqrstuvwxyz1234", "[REDACTED]"},
		{"nothing to hide here", "nothing to hide here"},
	}
	for _, tc := range cases {
		if got := Redact(tc.in); got != tc.want {
			t.Errorf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoggerRedactsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("provider configured", "key", "api_key=super-secret-value")

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("info record passed a warn-level logger")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}

func TestMetricsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRun("researcher", nil, 2*time.Second, 0.03, "gpt-4o")
	m.ObserveLLMCall("openai", "gpt-4o", 500*time.Millisecond, 100, 50)
	m.ObserveTool("search", false, 20*time.Millisecond)
	m.ObserveTool("search", true, 5*time.Millisecond)
	m.ObserveMemory("add_entry", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"sovereign_runs_total",
		"sovereign_run_duration_seconds",
		"sovereign_llm_request_duration_seconds",
		"sovereign_llm_tokens_total",
		"sovereign_tool_executions_total",
		"sovereign_tool_duration_seconds",
		"sovereign_run_cost_usd_total",
		"sovereign_memory_operations_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun("a", nil, time.Second, 0, "m")
	m.ObserveLLMCall("p", "m", time.Second, 1, 1)
	m.ObserveTool("t", false, time.Second)
	m.ObserveMemory("op", nil)
}

func TestNoopTracerExport(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	now := time.Now()
	tracer.ExportTrace(context.Background(), &models.Trace{
		TraceID: "tr_1",
		Spans: []models.Span{
			{
				ID:        "sp_1",
				TraceID:   "tr_1",
				Name:      models.RootSpanName,
				Kind:      models.SpanKindInternal,
				Status:    models.SpanStatusOK,
				StartTime: now,
				EndTime:   now.Add(time.Second),
			},
		},
	})
}
