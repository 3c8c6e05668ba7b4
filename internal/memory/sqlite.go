package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/strandlabs/sovereign/pkg/models"
)

// SQLiteAdapter persists threads and entries in a SQLite database using the
// cgo-free modernc driver. Entries for a thread are retrievable in insertion
// order, which is the only layout invariant the core relies on.
type SQLiteAdapter struct {
	mu        sync.Mutex
	path      string
	db        *sql.DB
	connected bool
}

// NewSQLiteAdapter creates an adapter for the given database path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteAdapter(path string) *SQLiteAdapter {
	return &SQLiteAdapter{path: path}
}

// NewSQLiteAdapterWithDB wraps an existing database handle; used by tests.
func NewSQLiteAdapterWithDB(db *sql.DB) *SQLiteAdapter {
	return &SQLiteAdapter{db: db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	metadata   TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id           TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL REFERENCES threads(id),
	seq          INTEGER,
	message      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_results TEXT,
	token_count  INTEGER,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_thread ON entries(thread_id, seq);
`

// Connect opens the database and creates the schema. Idempotent.
func (s *SQLiteAdapter) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	if s.db == nil {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			return fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// The modernc driver serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent runs.
		db.SetMaxOpenConns(1)
		s.db = db
	}

	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.connected = true
	return nil
}

// Disconnect closes the database. Idempotent.
func (s *SQLiteAdapter) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *SQLiteAdapter) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.db == nil {
		return nil, errors.New("memory adapter not connected")
	}
	return s.db, nil
}

// CreateThread creates or returns the thread with the given id.
func (s *SQLiteAdapter) CreateThread(ctx context.Context, agentID string, metadata map[string]any, threadID string) (*Thread, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	if threadID != "" {
		existing, err := s.GetThread(ctx, threadID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrThreadNotFound) {
			return nil, err
		}
	} else {
		threadID = models.NewThreadID()
	}

	thread := &Thread{
		ID:        threadID,
		AgentID:   agentID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode thread metadata: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO threads (id, agent_id, metadata, created_at) VALUES (?, ?, ?, ?)`,
		thread.ID, thread.AgentID, string(metaJSON), thread.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread returns the stored thread or ErrThreadNotFound.
func (s *SQLiteAdapter) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var thread Thread
	var metaJSON sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT id, agent_id, metadata, created_at FROM threads WHERE id = ?`,
		threadID).Scan(&thread.ID, &thread.AgentID, &metaJSON, &thread.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &thread.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode thread metadata: %w", err)
		}
	}
	return &thread, nil
}

// AddEntry appends an entry to its thread.
func (s *SQLiteAdapter) AddEntry(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("entry is nil")
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	msgJSON, err := json.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	callsJSON, err := json.Marshal(entry.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}
	resultsJSON, err := json.Marshal(entry.ToolResults)
	if err != nil {
		return fmt.Errorf("failed to encode tool results: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO entries (id, thread_id, seq, message, tool_calls, tool_results, token_count, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE thread_id = ?), ?, ?, ?, ?, ?)`,
		entry.ID, entry.ThreadID, entry.ThreadID,
		string(msgJSON), string(callsJSON), string(resultsJSON),
		entry.TokenCount, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add entry: %w", err)
	}
	return nil
}

// GetEntries returns up to q.Limit most recent entries in insertion order.
func (s *SQLiteAdapter) GetEntries(ctx context.Context, q EntryQuery) ([]*Entry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, thread_id, message, tool_calls, tool_results, token_count, created_at
		FROM entries WHERE thread_id = ?`
	args := []any{q.ThreadID}
	if !q.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, q.Before)
	}
	if !q.After.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, q.After)
	}
	query += ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var reversed []*Entry
	for rows.Next() {
		var e Entry
		var msgJSON, callsJSON, resultsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.ThreadID, &msgJSON, &callsJSON, &resultsJSON, &e.TokenCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if msgJSON.Valid {
			if err := json.Unmarshal([]byte(msgJSON.String), &e.Message); err != nil {
				return nil, fmt.Errorf("failed to decode message: %w", err)
			}
		}
		if callsJSON.Valid && callsJSON.String != "null" {
			if err := json.Unmarshal([]byte(callsJSON.String), &e.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		if resultsJSON.Valid && resultsJSON.String != "null" {
			if err := json.Unmarshal([]byte(resultsJSON.String), &e.ToolResults); err != nil {
				return nil, fmt.Errorf("failed to decode tool results: %w", err)
			}
		}
		reversed = append(reversed, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query selects the newest rows; restore insertion order.
	out := make([]*Entry, len(reversed))
	for i, e := range reversed {
		out[len(reversed)-1-i] = e
	}
	return out, nil
}
