// Package sandbox isolates side-effecting tool executions. The core addresses
// sandboxes only through the Manager contract; LocalManager is the built-in
// process-based implementation.
package sandbox

import (
	"context"
	"time"
)

// Kind selects the sandbox dispatch style for a tool.
type Kind string

const (
	// KindCommand runs a shell command built from the tool arguments.
	KindCommand Kind = "command"

	// KindModule feeds the JSON-serialized arguments to a module's stdin
	// and parses its stdout.
	KindModule Kind = "module"
)

// Descriptor is attached to a tool to request sandboxed execution.
type Descriptor struct {
	Kind Kind `json:"kind"`

	// Module is the executable invoked for module-style sandboxes.
	Module string `json:"module,omitempty"`

	// Timeout overrides the manager's default execution timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Request describes one sandboxed execution.
type Request struct {
	// Command is the executable for command-style requests.
	Command string

	// Args are the command arguments.
	Args []string

	// Stdin is fed to the process; module-style requests place the
	// JSON-serialized tool arguments here.
	Stdin []byte

	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// Response is the outcome of a sandboxed execution.
type Response struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Manager is the sandbox contract the orchestrator depends on.
// Initialize is idempotent; Execute honors context cancellation.
type Manager interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, req *Request, desc *Descriptor) (*Response, error)
	Shutdown(ctx context.Context) error
	IsAvailable() bool
}
