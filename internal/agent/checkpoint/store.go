// Package checkpoint persists run snapshots and reconstructs runs from
// them: deterministic replay, live replay with divergence detection,
// forking, and trace comparison.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/strandlabs/sovereign/pkg/models"
)

// ErrNotFound is returned when a checkpoint id is unknown to the store.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints. Saved checkpoints are immutable; Save with an
// existing id replaces the stored copy.
type Store interface {
	Save(ctx context.Context, ckpt *models.Checkpoint) error
	Load(ctx context.Context, id string) (*models.Checkpoint, error)

	// List returns checkpoints for a run ordered by step index. An empty
	// runID lists everything.
	List(ctx context.Context, runID string) ([]*models.Checkpoint, error)

	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps checkpoints in process memory. Copies are cloned on the
// way in and out so callers cannot mutate stored state.
type MemoryStore struct {
	mu    sync.RWMutex
	ckpts map[string]*models.Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ckpts: make(map[string]*models.Checkpoint)}
}

func (s *MemoryStore) Save(ctx context.Context, ckpt *models.Checkpoint) error {
	if ckpt.ID == "" {
		return fmt.Errorf("checkpoint id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ckpts[ckpt.ID] = ckpt.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ckpt, ok := s.ckpts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ckpt.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Checkpoint
	for _, ckpt := range s.ckpts {
		if runID == "" || ckpt.RunID == runID {
			out = append(out, ckpt.Clone())
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ckpts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.ckpts, id)
	return nil
}

// FileStore persists one JSON file per checkpoint under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Save(ctx context.Context, ckpt *models.Checkpoint) error {
	if ckpt.ID == "" {
		return fmt.Errorf("checkpoint id is empty")
	}
	if strings.ContainsAny(ckpt.ID, `/\`) {
		return fmt.Errorf("checkpoint id %q contains path separators", ckpt.ID)
	}
	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write-then-rename keeps a crashed save from leaving a torn file.
	tmp := s.path(ckpt.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path(ckpt.ID)); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var ckpt models.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", id, err)
	}
	return &ckpt, nil
}

func (s *FileStore) List(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []*models.Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ckpt, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if runID == "" || ckpt.RunID == runID {
			out = append(out, ckpt)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

func sortCheckpoints(ckpts []*models.Checkpoint) {
	sort.Slice(ckpts, func(i, j int) bool {
		if ckpts[i].StepIndex != ckpts[j].StepIndex {
			return ckpts[i].StepIndex < ckpts[j].StepIndex
		}
		return ckpts[i].CreatedAt.Before(ckpts[j].CreatedAt)
	})
}
