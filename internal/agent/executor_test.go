package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strandlabs/sovereign/internal/agent/guard"
	"github.com/strandlabs/sovereign/internal/sandbox"
	"github.com/strandlabs/sovereign/pkg/models"
)

func fastExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  time.Second,
		DefaultRetries:  2,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
	}
}

func execRegistry(tools ...Tool) *Registry {
	r := NewRegistry()
	r.RegisterMany(tools...)
	return r
}

func TestExecuteToolNotFound(t *testing.T) {
	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	result := e.execute(context.Background(), NewRegistry(),
		models.ToolCall{ID: "c1", Name: "missing"}, &ToolContext{})

	if result.Error != "Tool not found: missing" {
		t.Errorf("error = %q", result.Error)
	}
	if !result.Failed() {
		t.Error("expected failure")
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	tool := MustNewTool("adder", "adds", `{
		"type": "object",
		"properties": {"x": {"type": "number"}},
		"required": ["x"]
	}`, func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
		return args["x"], nil
	})

	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "adder", Arguments: map[string]any{"x": "not a number"}},
		&ToolContext{})

	if !strings.HasPrefix(result.Error, "Invalid arguments: ") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestExecuteGuardrailDenial(t *testing.T) {
	c := &guard.Constitution{Name: "t", DeniedTools: []string{"shell_*"}}
	if err := c.Compile(); err != nil {
		t.Fatal(err)
	}

	invoked := false
	tool := MustNewTool("shell_exec", "runs commands", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			invoked = true
			return nil, nil
		})

	e := newExecutor(fastExecutorConfig(), func() guard.Guardrails { return c }, nil, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "shell_exec", Arguments: map[string]any{}}, &ToolContext{})

	if !strings.HasPrefix(result.Error, "Tool blocked: ") {
		t.Errorf("error = %q", result.Error)
	}
	if invoked {
		t.Error("denied tool ran anyway")
	}
}

func TestExecuteGuardrailInstalledMidFlight(t *testing.T) {
	// The executor resolves guardrails per invocation, so a constitution
	// installed after construction applies to the next dispatch.
	var active guard.Guardrails
	tool := stubTool("late_denied", "ok")

	e := newExecutor(fastExecutorConfig(), func() guard.Guardrails { return active }, nil, nil)
	reg := execRegistry(tool)
	call := models.ToolCall{ID: "c1", Name: "late_denied", Arguments: map[string]any{}}

	if r := e.execute(context.Background(), reg, call, &ToolContext{}); r.Failed() {
		t.Fatalf("unexpected failure before install: %s", r.Error)
	}

	c := &guard.Constitution{Name: "t", DeniedTools: []string{"late_denied"}}
	if err := c.Compile(); err != nil {
		t.Fatal(err)
	}
	active = c

	if r := e.execute(context.Background(), reg, call, &ToolContext{}); !r.Failed() {
		t.Error("expected denial after constitution install")
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	attempts := 0
	tool := MustNewTool("flaky_net", "fails twice", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, fmt.Errorf("connection reset by peer")
			}
			return "recovered", nil
		})

	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "flaky_net", Arguments: map[string]any{}}, &ToolContext{})

	if result.Failed() {
		t.Fatalf("expected recovery, got %q", result.Error)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	snap := e.metrics.Snapshot()
	if snap.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", snap.TotalRetries)
	}
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	attempts := 0
	tool := MustNewTool("broken", "always fails", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			attempts++
			return nil, fmt.Errorf("file does not exist")
		})

	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "broken", Arguments: map[string]any{}}, &ToolContext{})

	if !result.Failed() {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a non-retryable error", attempts)
	}
}

func TestExecutePanicContainment(t *testing.T) {
	tool := MustNewTool("bomber", "panics", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			panic("boom")
		})

	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "bomber", Arguments: map[string]any{}}, &ToolContext{})

	if !strings.Contains(result.Error, "tool panicked") {
		t.Errorf("error = %q", result.Error)
	}
	snap := e.metrics.Snapshot()
	if snap.TotalPanics != 1 {
		t.Errorf("TotalPanics = %d, want 1", snap.TotalPanics)
	}
}

func TestExecutePerToolTimeout(t *testing.T) {
	tool := MustNewTool("sleeper", "hangs", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			time.Sleep(time.Second) // ignores ctx on purpose
			return "done", nil
		}, WithToolTimeout(20*time.Millisecond))

	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	start := time.Now()
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "sleeper", Arguments: map[string]any{}}, &ToolContext{})

	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("error = %q", result.Error)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
	snap := e.metrics.Snapshot()
	if snap.TotalTimeouts == 0 {
		t.Error("timeout not counted")
	}
}

func TestExecuteAllParallelBoundsConcurrency(t *testing.T) {
	cfg := fastExecutorConfig()
	cfg.MaxConcurrency = 2

	var inFlight, peak atomic.Int32
	tool := MustNewTool("worker", "tracks concurrency", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return "ok", nil
		})

	e := newExecutor(cfg, nil, nil, nil)
	calls := make([]models.ToolCall, 6)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "worker", Arguments: map[string]any{}}
	}

	dispatches := e.executeAll(context.Background(), execRegistry(tool), calls, &ToolContext{}, nil, true)
	for i, d := range dispatches {
		if d.result.Failed() {
			t.Errorf("call %d failed: %s", i, d.result.Error)
		}
		if d.result.CallID != calls[i].ID {
			t.Errorf("result %d out of order: %s", i, d.result.CallID)
		}
		if d.end.Before(d.start) {
			t.Errorf("call %d has inverted timing window", i)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestExecuteAllParallelFailureDoesNotCancelSiblings(t *testing.T) {
	good := stubTool("good", "fine")
	bad := MustNewTool("bad", "fails", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			return nil, fmt.Errorf("deliberate failure")
		})

	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	dispatches := e.executeAll(context.Background(), execRegistry(good, bad),
		[]models.ToolCall{
			{ID: "c1", Name: "bad", Arguments: map[string]any{}},
			{ID: "c2", Name: "good", Arguments: map[string]any{}},
		}, &ToolContext{}, nil, true)

	if !dispatches[0].result.Failed() {
		t.Error("expected first call to fail")
	}
	if dispatches[1].result.Failed() {
		t.Errorf("sibling cancelled: %s", dispatches[1].result.Error)
	}
}

func TestExecuteAllCachedResultsShortCircuit(t *testing.T) {
	var invoked atomic.Int32
	tool := MustNewTool("lookup", "counts invocations", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			invoked.Add(1)
			return "live", nil
		})

	e := newExecutor(fastExecutorConfig(), nil, nil, nil)
	dispatches := e.executeAll(context.Background(), execRegistry(tool),
		[]models.ToolCall{
			{ID: "c1", Name: "lookup", Arguments: map[string]any{}},
			{ID: "c2", Name: "lookup", Arguments: map[string]any{}},
		}, &ToolContext{}, map[string]any{"c1": "replayed"}, false)

	if dispatches[0].result.Result != "replayed" {
		t.Errorf("cached call result = %v", dispatches[0].result.Result)
	}
	if dispatches[1].result.Result != "live" {
		t.Errorf("live call result = %v", dispatches[1].result.Result)
	}
	if n := invoked.Load(); n != 1 {
		t.Errorf("tool invoked %d times, want 1", n)
	}
}

// fakeSandbox records the last request and plays back a scripted response.
type fakeSandbox struct {
	available bool
	initErr   error
	resp      *sandbox.Response
	err       error

	lastReq  *sandbox.Request
	lastDesc *sandbox.Descriptor
}

func (f *fakeSandbox) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeSandbox) Shutdown(ctx context.Context) error   { return nil }
func (f *fakeSandbox) IsAvailable() bool                    { return f.available }

func (f *fakeSandbox) Execute(ctx context.Context, req *sandbox.Request, desc *sandbox.Descriptor) (*sandbox.Response, error) {
	f.lastReq = req
	f.lastDesc = desc
	return f.resp, f.err
}

func TestExecuteSandboxedCommand(t *testing.T) {
	sb := &fakeSandbox{
		available: true,
		resp:      &sandbox.Response{Stdout: "hi\n", ExitCode: 0, Duration: 5 * time.Millisecond},
	}
	tool := MustNewTool("run_cmd", "shell", `{
		"type": "object",
		"properties": {"command": {"type": "string"}},
		"required": ["command"]
	}`, func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
		t.Error("native path must not run when the sandbox is available")
		return nil, nil
	}, WithSandbox(&sandbox.Descriptor{Kind: sandbox.KindCommand}))

	e := newExecutor(fastExecutorConfig(), nil, sb, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "run_cmd", Arguments: map[string]any{"command": "echo hi"}},
		&ToolContext{})

	if result.Failed() {
		t.Fatalf("sandboxed command failed: %s", result.Error)
	}
	out, ok := result.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", result.Result)
	}
	if out["stdout"] != "hi\n" || out["command"] != "echo hi" {
		t.Errorf("result = %v", out)
	}
	if sb.lastReq == nil || sb.lastReq.Command != "echo hi" {
		t.Errorf("request = %+v", sb.lastReq)
	}
}

func TestExecuteSandboxedModule(t *testing.T) {
	sb := &fakeSandbox{
		available: true,
		resp:      &sandbox.Response{Stdout: `{"sum": 7}`, ExitCode: 0},
	}
	tool := MustNewTool("calc", "module tool", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			return nil, nil
		}, WithSandbox(&sandbox.Descriptor{Kind: sandbox.KindModule, Module: "calc.bin"}))

	e := newExecutor(fastExecutorConfig(), nil, sb, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "calc", Arguments: map[string]any{"a": 3, "b": 4}},
		&ToolContext{})

	if result.Failed() {
		t.Fatalf("module execution failed: %s", result.Error)
	}
	parsed, ok := result.Result.(map[string]any)
	if !ok || parsed["sum"] != float64(7) {
		t.Errorf("parsed result = %v", result.Result)
	}

	var sent map[string]any
	if err := json.Unmarshal(sb.lastReq.Stdin, &sent); err != nil {
		t.Fatalf("stdin not JSON: %v", err)
	}
	if sent["a"] != float64(3) || sent["b"] != float64(4) {
		t.Errorf("stdin args = %v", sent)
	}
}

func TestExecuteSandboxUnavailableFallsBackNative(t *testing.T) {
	sb := &fakeSandbox{available: false}
	native := false
	tool := MustNewTool("degraded", "falls back", `{"type":"object"}`,
		func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
			native = true
			return "native", nil
		}, WithSandbox(&sandbox.Descriptor{Kind: sandbox.KindCommand}))

	e := newExecutor(fastExecutorConfig(), nil, sb, nil)
	result := e.execute(context.Background(), execRegistry(tool),
		models.ToolCall{ID: "c1", Name: "degraded", Arguments: map[string]any{}}, &ToolContext{})

	if result.Failed() {
		t.Fatalf("fallback failed: %s", result.Error)
	}
	if !native {
		t.Error("native fallback did not run")
	}
}

func TestExecuteCancelledBeforeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastExecutorConfig()
	cfg.MaxConcurrency = 1
	e := newExecutor(cfg, nil, nil, nil)
	e.sem <- struct{}{} // occupy the only slot so acquisition must block

	result := e.execute(ctx, execRegistry(stubTool("idle", "x")),
		models.ToolCall{ID: "c1", Name: "idle", Arguments: map[string]any{}}, &ToolContext{})

	if !strings.Contains(result.Error, "cancelled") {
		t.Errorf("error = %q", result.Error)
	}
}
