package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/sovereign/pkg/models"
)

// maxEntriesPerThread limits entries stored per thread to prevent unbounded
// memory growth. When exceeded, the oldest entries are trimmed.
const maxEntriesPerThread = 1000

// InMemoryAdapter provides an in-memory Adapter for testing and local runs.
type InMemoryAdapter struct {
	mu        sync.RWMutex
	connected bool
	threads   map[string]*Thread
	entries   map[string][]*Entry
}

// NewInMemoryAdapter creates an empty in-memory memory adapter.
func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{
		threads: map[string]*Thread{},
		entries: map[string][]*Entry{},
	}
}

// Connect marks the adapter usable. Idempotent.
func (m *InMemoryAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the adapter unusable. Idempotent.
func (m *InMemoryAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *InMemoryAdapter) ensureConnected() error {
	if !m.connected {
		return errors.New("memory adapter not connected")
	}
	return nil
}

// CreateThread creates or returns the thread with the given id.
func (m *InMemoryAdapter) CreateThread(ctx context.Context, agentID string, metadata map[string]any, threadID string) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureConnected(); err != nil {
		return nil, err
	}

	if threadID != "" {
		if existing, ok := m.threads[threadID]; ok {
			return cloneThread(existing), nil
		}
	} else {
		threadID = models.NewThreadID()
	}

	thread := &Thread{
		ID:        threadID,
		AgentID:   agentID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	m.threads[threadID] = thread
	return cloneThread(thread), nil
}

// GetThread returns the stored thread or ErrThreadNotFound.
func (m *InMemoryAdapter) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureConnected(); err != nil {
		return nil, err
	}
	thread, ok := m.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return cloneThread(thread), nil
}

// AddEntry appends an entry to its thread.
func (m *InMemoryAdapter) AddEntry(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("entry is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureConnected(); err != nil {
		return err
	}
	if _, ok := m.threads[entry.ThreadID]; !ok {
		return ErrThreadNotFound
	}

	clone := *entry
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	entry.ID = clone.ID

	list := append(m.entries[entry.ThreadID], &clone)
	if len(list) > maxEntriesPerThread {
		list = list[len(list)-maxEntriesPerThread:]
	}
	m.entries[entry.ThreadID] = list
	return nil
}

// GetEntries returns up to q.Limit most recent entries in insertion order.
func (m *InMemoryAdapter) GetEntries(ctx context.Context, q EntryQuery) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureConnected(); err != nil {
		return nil, err
	}

	all := m.entries[q.ThreadID]
	filtered := make([]*Entry, 0, len(all))
	for _, e := range all {
		if !q.Before.IsZero() && !e.CreatedAt.Before(q.Before) {
			continue
		}
		if !q.After.IsZero() && !e.CreatedAt.After(q.After) {
			continue
		}
		filtered = append(filtered, e)
	}

	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[len(filtered)-q.Limit:]
	}

	out := make([]*Entry, len(filtered))
	for i, e := range filtered {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

func cloneThread(t *Thread) *Thread {
	clone := *t
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
