package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultTimeout bounds executions whose request and descriptor carry none.
const DefaultTimeout = 30 * time.Second

// LocalManager runs sandboxed requests as local subprocesses. It is the
// reference Manager; stronger isolation backends implement the same contract.
type LocalManager struct {
	mu          sync.Mutex
	initialized bool
	shutdown    bool

	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// LocalOption configures a LocalManager.
type LocalOption func(*LocalManager)

// WithWorkDir sets the default working directory for executions.
func WithWorkDir(dir string) LocalOption {
	return func(m *LocalManager) { m.workDir = dir }
}

// WithTimeout sets the default execution timeout.
func WithTimeout(d time.Duration) LocalOption {
	return func(m *LocalManager) { m.timeout = d }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) LocalOption {
	return func(m *LocalManager) { m.logger = l }
}

// NewLocalManager creates a process-based sandbox manager.
func NewLocalManager(opts ...LocalOption) *LocalManager {
	m := &LocalManager{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize verifies the working directory exists. Idempotent.
func (m *LocalManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if m.shutdown {
		return errors.New("sandbox manager is shut down")
	}
	if m.workDir != "" {
		if err := os.MkdirAll(m.workDir, 0o755); err != nil {
			return fmt.Errorf("failed to prepare sandbox work dir: %w", err)
		}
	}
	m.initialized = true
	return nil
}

// IsAvailable reports whether the manager can accept executions.
func (m *LocalManager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && !m.shutdown
}

// Shutdown stops accepting executions. Idempotent.
func (m *LocalManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	m.initialized = false
	return nil
}

// Execute runs the request as a subprocess. Command-style requests execute
// req.Command; module-style requests execute desc.Module with req.Stdin fed
// to the process.
func (m *LocalManager) Execute(ctx context.Context, req *Request, desc *Descriptor) (*Response, error) {
	if !m.IsAvailable() {
		return nil, errors.New("sandbox manager not initialized")
	}
	if req == nil {
		return nil, errors.New("sandbox request is nil")
	}

	executable := req.Command
	if desc != nil && desc.Kind == KindModule {
		executable = desc.Module
	}
	executable, err := SanitizeExecutable(executable)
	if err != nil {
		return nil, fmt.Errorf("unsafe executable: %w", err)
	}

	timeout := m.timeout
	if desc != nil && desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, executable, req.Args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	} else if m.workDir != "" {
		cmd.Dir = m.workDir
	}
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	resp := &Response{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		TimedOut: errors.Is(execCtx.Err(), context.DeadlineExceeded),
	}

	switch {
	case runErr == nil:
		resp.ExitCode = 0
	case resp.TimedOut:
		resp.ExitCode = -1
		m.logger.Warn("sandbox execution timed out",
			"executable", executable, "timeout", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn failures (missing binary, permissions) surface as errors.
			return nil, fmt.Errorf("sandbox execution failed: %w", runErr)
		}
	}

	// Parent cancellation is an error; an expired per-request deadline is
	// reported through TimedOut instead.
	if ctx.Err() != nil && !resp.TimedOut {
		return nil, ctx.Err()
	}

	return resp, nil
}
