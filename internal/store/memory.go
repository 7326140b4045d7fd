// Package store provides session snapshot persistence: an in-memory store
// for tests and single-run deployments, and a SQLite store for durability
// across restarts.
package store

import (
	"context"
	"sync"

	"github.com/coppermind/turnstile/pkg/models"
)

// MemoryStore keeps session snapshots in memory. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]models.SessionState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]models.SessionState)}
}

// Restore returns all persisted snapshots.
func (s *MemoryStore) Restore(ctx context.Context) ([]models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SessionState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state)
	}
	return out, nil
}

// Persist stores one snapshot, replacing any previous one for the thread.
func (s *MemoryStore) Persist(ctx context.Context, state models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ThreadID] = state
	return nil
}

// Delete removes the snapshot for a thread.
func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, threadID)
	return nil
}

// Len returns the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
