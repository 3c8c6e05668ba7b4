package models

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes and lengths are part of the public surface: run ids
// look like "run_3f9c01ab54de", trace ids carry 16 random characters.
func randomID(prefix string, n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + hex[:n]
}

// NewRunID mints a run identifier.
func NewRunID() string { return randomID("run_", 12) }

// NewThreadID mints a memory thread identifier.
func NewThreadID() string { return randomID("thread_", 12) }

// NewTraceID mints a trace identifier.
func NewTraceID() string { return randomID("trace_", 16) }

// NewSpanID mints a span identifier.
func NewSpanID() string { return randomID("span_", 12) }

// NewCallID mints a tool call identifier.
func NewCallID() string { return randomID("call_", 12) }

// NewCheckpointID mints a checkpoint identifier.
func NewCheckpointID() string { return randomID("ckpt_", 12) }
