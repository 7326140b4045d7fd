package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coppermind/turnstile/pkg/models"
)

// Store persists session snapshots for process-restart continuity. The
// registry treats it as best-effort: store failures are logged, never
// surfaced to users.
type Store interface {
	Restore(ctx context.Context) ([]models.SessionState, error)
	Persist(ctx context.Context, state models.SessionState) error
	Delete(ctx context.Context, threadID string) error
}

// Registry owns the map from thread id to Session. It is the only shared
// mutable structure in the orchestrator; get-or-create is atomic under its
// mutex so concurrent first messages for the same thread share one session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    Store
	logger   *slog.Logger
}

// NewRegistry creates a registry. store may be nil to disable durability.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session for threadID, creating it on first use.
func (r *Registry) GetOrCreate(threadID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[threadID]; ok {
		return s
	}
	s := NewSession(threadID)
	r.sessions[threadID] = s
	return s
}

// Get returns the session for threadID if it exists.
func (r *Registry) Get(threadID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[threadID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Restore loads persisted sessions from the store. Called once at startup,
// before any inbound events are handled.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.Restore(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range states {
		if state.ThreadID == "" {
			continue
		}
		s := NewSession(state.ThreadID)
		s.apply(state)
		r.sessions[state.ThreadID] = s
	}
	r.logger.Info("sessions restored", "count", len(states))
	return nil
}

// Persist writes one session's snapshot to the store, best-effort.
func (r *Registry) Persist(ctx context.Context, s *Session) {
	if r.store == nil || s == nil {
		return
	}
	if err := r.store.Persist(ctx, s.Snapshot()); err != nil {
		r.logger.Warn("failed to persist session", "thread_id", s.ThreadID, "error", err)
	}
}

// Flush persists every live session. Called at shutdown.
func (r *Registry) Flush(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.Persist(ctx, s)
	}
	r.logger.Info("sessions flushed", "count", len(sessions))
}
