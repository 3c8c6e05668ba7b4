// Package memory defines the conversation memory contract and its built-in
// adapters. The core treats adapter operations as atomic per call; memory
// failures are never fatal to a run.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/strandlabs/sovereign/pkg/models"
)

// ErrThreadNotFound is returned when a thread id has no stored thread.
var ErrThreadNotFound = errors.New("thread not found")

// Thread is the scope into which turns of related runs are persisted.
type Thread struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Entry is one persisted conversation turn.
type Entry struct {
	ID          string              `json:"id"`
	ThreadID    string              `json:"thread_id"`
	Message     models.Message      `json:"message"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	TokenCount  int                 `json:"token_count,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// EntryQuery selects entries of a thread. Entries are returned in insertion
// order, at most Limit of the most recent.
type EntryQuery struct {
	ThreadID string
	Limit    int
	Before   time.Time
	After    time.Time
}

// Adapter is the persistence contract for conversation memory.
// Connect and Disconnect are idempotent.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// CreateThread creates a thread, minting an id when threadID is empty.
	// Creating an existing thread returns the stored thread unchanged.
	CreateThread(ctx context.Context, agentID string, metadata map[string]any, threadID string) (*Thread, error)

	GetThread(ctx context.Context, threadID string) (*Thread, error)
	AddEntry(ctx context.Context, entry *Entry) error
	GetEntries(ctx context.Context, q EntryQuery) ([]*Entry, error)
}
