package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/sovereign/internal/agent/guard"
	"github.com/strandlabs/sovereign/internal/sandbox"
	"github.com/strandlabs/sovereign/pkg/models"
)

// ExecutorConfig bounds tool execution: concurrency, timeout, and retry.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel tool executions. Default 5.
	MaxConcurrency int

	// DefaultTimeout bounds one tool execution. Default 30s. A TimedTool
	// overrides it per tool.
	DefaultTimeout time.Duration

	// DefaultRetries is how many times a retryable failure is retried.
	// Default 2.
	DefaultRetries int

	// RetryBackoff is the initial backoff, doubled per attempt up to
	// MaxRetryBackoff. Defaults 100ms and 5s.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default bounds.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ExecutorMetrics counts executor outcomes.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// Snapshot returns a copy safe to read.
func (m *ExecutorMetrics) Snapshot() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ExecutorMetrics{
		TotalExecutions: m.TotalExecutions,
		TotalRetries:    m.TotalRetries,
		TotalFailures:   m.TotalFailures,
		TotalTimeouts:   m.TotalTimeouts,
		TotalPanics:     m.TotalPanics,
	}
}

// executor runs validated tool invocations with backpressure, timeout,
// retry, and panic containment. Failures become result records; nothing a
// tool does can abort the run.
type executor struct {
	config *ExecutorConfig
	sem    chan struct{}

	// guardSource resolves the active guardrails per invocation, so a
	// constitution installed mid-flight applies from the next dispatch.
	guardSource func() guard.Guardrails

	sandboxMgr sandbox.Manager
	logger     *slog.Logger
	metrics    *ExecutorMetrics

	sandboxInit sync.Once
	sandboxErr  error
}

func newExecutor(cfg *ExecutorConfig, guardSource func() guard.Guardrails, sandboxMgr sandbox.Manager, logger *slog.Logger) *executor {
	if cfg == nil {
		cfg = DefaultExecutorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &executor{
		config:      cfg,
		sem:         make(chan struct{}, cfg.MaxConcurrency),
		guardSource: guardSource,
		sandboxMgr:  sandboxMgr,
		logger:      logger,
		metrics:     &ExecutorMetrics{},
	}
}

func (e *executor) guards() guard.Guardrails {
	if e.guardSource == nil {
		return nil
	}
	return e.guardSource()
}

// dispatched pairs a tool result with its wall-clock window for span
// recording.
type dispatched struct {
	result models.ToolResult
	start  time.Time
	end    time.Time
}

// executeAll dispatches one iteration's tool calls, sequentially by default
// or concurrently when parallel is set. Results always come back in
// issuance order; a failing call does not cancel its siblings. A call whose
// ID appears in cached (replayed results) short-circuits execution.
func (e *executor) executeAll(ctx context.Context, reg *Registry, calls []models.ToolCall, tc *ToolContext, cached map[string]any, parallel bool) []dispatched {
	out := make([]dispatched, len(calls))
	run := func(i int, call models.ToolCall) {
		out[i].start = time.Now()
		if value, ok := cached[call.ID]; ok {
			out[i].result = models.ToolResult{CallID: call.ID, Name: call.Name, Result: value}
		} else {
			out[i].result = e.execute(ctx, reg, call, tc)
		}
		out[i].end = time.Now()
	}

	if !parallel {
		for i, call := range calls {
			run(i, call)
		}
		return out
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ToolCall) {
			defer wg.Done()
			run(idx, c)
		}(i, call)
	}
	wg.Wait()
	return out
}

// execute runs one tool call: lookup, argument validation, guardrail
// approval, then sandboxed or native dispatch.
func (e *executor) execute(ctx context.Context, reg *Registry, call models.ToolCall, tc *ToolContext) models.ToolResult {
	result := models.ToolResult{CallID: call.ID, Name: call.Name}

	tool, ok := reg.Get(call.Name)
	if !ok {
		result.Error = "Tool not found: " + call.Name
		return result
	}

	args, err := tool.Schema().SafeParse(call.Arguments)
	if err != nil {
		result.Error = "Invalid arguments: " + err.Error()
		return result
	}

	if g := e.guards(); g != nil && g.FiltersTools() {
		verdict, gerr := g.ApproveTool(ctx, call.Name, args)
		if gerr != nil {
			result.Error = "Tool blocked: " + gerr.Error()
			return result
		}
		if !verdict.Allowed {
			result.Error = "Tool blocked: " + verdict.Reason
			return result
		}
	}

	// Backpressure: a slot must be free before the tool starts.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Error = "Tool execution cancelled: " + ctx.Err().Error()
		e.countFailure(true, false)
		return result
	}

	if st, ok := tool.(SandboxedTool); ok && st.Sandbox() != nil {
		return e.executeSandboxed(ctx, st, call, args, tc)
	}
	return e.executeNative(ctx, tool, call, args, tc)
}

// executeNative invokes the tool function with timeout, retry on retryable
// errors, and panic containment.
func (e *executor) executeNative(ctx context.Context, tool Tool, call models.ToolCall, args map[string]any, tc *ToolContext) models.ToolResult {
	result := models.ToolResult{CallID: call.ID, Name: call.Name}

	timeout := e.config.DefaultTimeout
	if tt, ok := tool.(TimedTool); ok && tt.Timeout() > 0 {
		timeout = tt.Timeout()
	}

	var lastErr error
	for attempt := 0; attempt <= e.config.DefaultRetries; attempt++ {
		value, err := e.invokeWithTimeout(ctx, tool, args, tc, timeout)
		if err == nil {
			result.Result = value
			e.countSuccess(attempt)
			return result
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil || attempt >= e.config.DefaultRetries {
			break
		}

		backoff := e.config.RetryBackoff * time.Duration(1<<uint(attempt))
		if backoff > e.config.MaxRetryBackoff {
			backoff = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Error = lastErr.Error()
	e.countFailure(isTimeoutErr(lastErr), isPanicErr(lastErr))
	return result
}

type invokeOutcome struct {
	value any
	err   error
}

// invokeWithTimeout runs the tool function on its own goroutine so a
// panicking or blocking tool cannot take down the run.
func (e *executor) invokeWithTimeout(ctx context.Context, tool Tool, args map[string]any, tc *ToolContext, timeout time.Duration) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					"tool", tool.Name(),
					"panic", r,
					"stack", string(debug.Stack()))
				ch <- invokeOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := tool.Execute(execCtx, args, tc)
		ch <- invokeOutcome{value: value, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool %s timed out after %s", tool.Name(), timeout)
	}
}

// executeSandboxed forwards the call to the sandbox manager. An
// unavailable sandbox falls back to native execution with a warning.
func (e *executor) executeSandboxed(ctx context.Context, tool SandboxedTool, call models.ToolCall, args map[string]any, tc *ToolContext) models.ToolResult {
	result := models.ToolResult{CallID: call.ID, Name: call.Name}
	desc := tool.Sandbox()

	if e.sandboxMgr == nil || !e.ensureSandbox(ctx) {
		e.logger.Warn("sandbox unavailable, running tool natively", "tool", call.Name)
		return e.executeNative(ctx, tool, call, args, tc)
	}

	switch desc.Kind {
	case sandbox.KindCommand:
		req, err := commandRequest(args, desc)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		resp, err := e.sandboxMgr.Execute(ctx, req, desc)
		if err != nil {
			result.Error = err.Error()
			e.countFailure(false, false)
			return result
		}
		result.Result = map[string]any{
			"stdout":      resp.Stdout,
			"stderr":      resp.Stderr,
			"exit_code":   resp.ExitCode,
			"timed_out":   resp.TimedOut,
			"duration_ms": resp.Duration.Milliseconds(),
			"command":     req.Command,
		}
		e.countSuccess(0)
		return result

	case sandbox.KindModule:
		stdin, err := json.Marshal(args)
		if err != nil {
			result.Error = "arguments are not JSON-serializable: " + err.Error()
			return result
		}
		resp, err := e.sandboxMgr.Execute(ctx, &sandbox.Request{Stdin: stdin, Timeout: desc.Timeout}, desc)
		if err != nil {
			result.Error = err.Error()
			e.countFailure(false, false)
			return result
		}
		var parsed any
		if jsonErr := json.Unmarshal([]byte(resp.Stdout), &parsed); jsonErr == nil {
			result.Result = parsed
		} else {
			result.Result = resp.Stdout
		}
		e.countSuccess(0)
		return result

	default:
		result.Error = fmt.Sprintf("unknown sandbox kind %q", desc.Kind)
		return result
	}
}

// ensureSandbox initializes the sandbox manager once per executor.
func (e *executor) ensureSandbox(ctx context.Context) bool {
	e.sandboxInit.Do(func() {
		e.sandboxErr = e.sandboxMgr.Initialize(ctx)
		if e.sandboxErr != nil {
			e.logger.Warn("sandbox initialization failed", "error", e.sandboxErr)
		}
	})
	return e.sandboxErr == nil && e.sandboxMgr.IsAvailable()
}

// commandRequest builds a sandbox command request from tool arguments.
func commandRequest(args map[string]any, desc *sandbox.Descriptor) (*sandbox.Request, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("sandbox tool requires a \"command\" argument")
	}
	req := &sandbox.Request{Command: command, Timeout: desc.Timeout}
	if cwd, ok := args["cwd"].(string); ok {
		req.Cwd = cwd
	}
	if env, ok := args["env"].(map[string]any); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				req.Env[k] = s
			}
		}
	}
	if t, ok := args["timeout"].(float64); ok && t > 0 {
		req.Timeout = time.Duration(t) * time.Millisecond
	}
	return req, nil
}

func (e *executor) countSuccess(attempt int) {
	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	e.metrics.TotalRetries += int64(attempt)
	e.metrics.mu.Unlock()
}

func (e *executor) countFailure(timedOut, panicked bool) {
	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	e.metrics.TotalFailures++
	if timedOut {
		e.metrics.TotalTimeouts++
	}
	if panicked {
		e.metrics.TotalPanics++
	}
	e.metrics.mu.Unlock()
}

func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context deadline")
}

func isPanicErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "tool panicked")
}
