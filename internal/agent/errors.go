package agent

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrorKind categorizes run failures for callers: retry decisions, alerting,
// and policy handling key off the kind, not the message.
type ErrorKind string

const (
	// LLM errors.
	ErrLLMUnavailable     ErrorKind = "llm_unavailable"
	ErrLLMRateLimited     ErrorKind = "llm_rate_limited"
	ErrLLMTimeout         ErrorKind = "llm_timeout"
	ErrLLMInvalidResponse ErrorKind = "llm_invalid_response"
	ErrLLMContextLength   ErrorKind = "llm_context_length_exceeded"
	ErrLLMContentFiltered ErrorKind = "llm_content_filtered"

	// Sandbox errors.
	ErrSandboxUnavailable   ErrorKind = "sandbox_unavailable"
	ErrSandboxTimeout       ErrorKind = "sandbox_timeout"
	ErrSandboxOOM           ErrorKind = "sandbox_oom"
	ErrSandboxExecFailed    ErrorKind = "sandbox_execution_failed"
	ErrSandboxInvalidModule ErrorKind = "sandbox_invalid_module"

	// Tool errors.
	ErrToolNotFound    ErrorKind = "tool_not_found"
	ErrToolInvalidArgs ErrorKind = "tool_invalid_args"
	ErrToolExecFailed  ErrorKind = "tool_execution_failed"
	ErrToolTimeout     ErrorKind = "tool_timeout"

	// Memory errors.
	ErrMemoryUnavailable ErrorKind = "memory_unavailable"
	ErrMemoryWriteFailed ErrorKind = "memory_write_failed"
	ErrMemoryReadFailed  ErrorKind = "memory_read_failed"

	// Agent errors.
	ErrAgentAlreadyRunning ErrorKind = "agent_already_running"
	ErrMaxIterations       ErrorKind = "max_iterations"
	ErrBudgetExceeded      ErrorKind = "budget_exceeded"

	// Policy errors.
	ErrPromptInjection ErrorKind = "prompt_injection_detected"
	ErrInputBlocked    ErrorKind = "input_blocked"
	ErrOutputBlocked   ErrorKind = "output_blocked"
	ErrToolBlocked     ErrorKind = "tool_blocked"

	// Generic errors.
	ErrValidation    ErrorKind = "validation_error"
	ErrConfiguration ErrorKind = "configuration_error"
	ErrInternal      ErrorKind = "internal_error"
	ErrCircuitOpen   ErrorKind = "circuit_open"
)

// transientKinds are inherently retryable regardless of message.
var transientKinds = map[ErrorKind]bool{
	ErrLLMUnavailable:    true,
	ErrLLMRateLimited:    true,
	ErrLLMTimeout:        true,
	ErrSandboxTimeout:    true,
	ErrToolTimeout:       true,
	ErrMemoryUnavailable: true,
	ErrCircuitOpen:       true,
}

var retryablePattern = regexp.MustCompile(`(?i)timeout|conn-refused|conn-reset|connection refused|connection reset|rate limit|503|429`)

// Error is the structured failure surfaced by the orchestrator.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// RetryAfter hints how long to wait before retrying, when known.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	Cause error `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Cause.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether retrying the run may succeed: either the kind
// is inherently transient or the message matches a transient pattern.
func (e *Error) Retryable() bool {
	if transientKinds[e.Kind] {
		return true
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return retryablePattern.MatchString(msg)
}

// NewError creates a structured error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches structured details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRetryAfter sets the retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the kind from any error, or ErrInternal for foreign ones.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrInternal
}

// IsRetryable reports whether any error looks transient: structured errors
// answer via Retryable, foreign ones via the message pattern.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return retryablePattern.MatchString(err.Error())
}
