// Package session holds the per-thread conversational state and the
// registry that owns it.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coppermind/turnstile/pkg/models"
)

// Session is the mutable state of one conversation thread. It is owned by
// the Registry; a turn execution borrows it for the duration of one run and
// must not retain it afterwards.
//
// The in-flight flag is a gate, not a queue: a second message arriving while
// a turn runs is rejected, never buffered.
type Session struct {
	// ThreadID is the stable external key for the thread. Immutable.
	ThreadID string

	mu          sync.Mutex
	contextID   string
	taskID      string
	autoApprove bool
	alwaysAllow map[string]struct{}
	inFlight    bool
	pending     *models.PendingApproval

	// cancelled is polled by the in-flight turn at every stream-consumption
	// checkpoint. Atomic so the turn can read it without taking mu.
	cancelled atomic.Bool
}

// NewSession creates a session for the given thread.
func NewSession(threadID string) *Session {
	return &Session{
		ThreadID:    threadID,
		alwaysAllow: make(map[string]struct{}),
	}
}

// TryBegin claims the in-flight gate. It returns false if a turn is already
// running. On a successful claim the cancellation flag is reset: a cancel
// aimed at a previous turn must not kill the next one.
func (s *Session) TryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	s.cancelled.Store(false)
	return true
}

// End releases the in-flight gate. Every TryBegin that returned true must be
// paired with End on all exit paths.
func (s *Session) End() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// InFlight reports whether a turn is currently running. Advisory: the
// authoritative claim is TryBegin.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Cancel marks the in-flight turn (if any) cancelled. The turn observes the
// flag cooperatively and suppresses all further output.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether the current turn has been cancelled.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// ContextID returns the last-known model context identifier.
func (s *Session) ContextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextID
}

// SetContextID records the model context identifier.
func (s *Session) SetContextID(id string) {
	s.mu.Lock()
	s.contextID = id
	s.mu.Unlock()
}

// TaskID returns the currently-open task identifier, if any.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// SetTaskID records the open task identifier.
func (s *Session) SetTaskID(id string) {
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}

// ClearTask drops the task identifier after a terminal lifecycle state, so
// the next turn starts a fresh task.
func (s *Session) ClearTask() {
	s.mu.Lock()
	s.taskID = ""
	s.mu.Unlock()
}

// AutoApprove reports whether tool approvals resolve automatically.
func (s *Session) AutoApprove() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoApprove
}

// SetAutoApprove toggles automatic approval resolution.
func (s *Session) SetAutoApprove(v bool) {
	s.mu.Lock()
	s.autoApprove = v
	s.mu.Unlock()
}

// AddAlwaysAllow records a tool whose future approval requests resolve
// without prompting.
func (s *Session) AddAlwaysAllow(tool string) {
	if tool == "" {
		return
	}
	s.mu.Lock()
	s.alwaysAllow[tool] = struct{}{}
	s.mu.Unlock()
}

// AlwaysAllowed reports whether the tool was granted a standing approval.
func (s *Session) AlwaysAllowed(tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.alwaysAllow[tool]
	return ok
}

// Pending returns the single outstanding approval prompt, or nil.
func (s *Session) Pending() *models.PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	clone := *s.pending
	return &clone
}

// SetPending installs a new outstanding approval prompt, superseding any
// previous one. Last request wins; prompts are never merged.
func (s *Session) SetPending(p *models.PendingApproval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		s.pending = nil
		return
	}
	clone := *p
	s.pending = &clone
}

// TakePending atomically removes and returns the outstanding approval
// prompt. Clearing before the resolution is sent onward prevents a second
// concurrent resolution of the same prompt.
func (s *Session) TakePending() *models.PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// Reset clears the conversational state: context id, task id, and pending
// approval. Auto-approve and the always-allow list are user preferences and
// survive a reset. Any in-flight turn is cancelled.
func (s *Session) Reset() {
	s.mu.Lock()
	s.contextID = ""
	s.taskID = ""
	s.pending = nil
	s.mu.Unlock()
	s.cancelled.Store(true)
}

// Snapshot returns the durable state of the session.
func (s *Session) Snapshot() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := models.SessionState{
		ThreadID:    s.ThreadID,
		ContextID:   s.contextID,
		TaskID:      s.taskID,
		AutoApprove: s.autoApprove,
		UpdatedAt:   time.Now().UTC(),
	}
	for tool := range s.alwaysAllow {
		state.AlwaysAllow = append(state.AlwaysAllow, tool)
	}
	return state
}

// apply restores durable state onto the session. Volatile flags are left
// untouched.
func (s *Session) apply(state models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextID = state.ContextID
	s.taskID = state.TaskID
	s.autoApprove = state.AutoApprove
	for _, tool := range state.AlwaysAllow {
		s.alwaysAllow[tool] = struct{}{}
	}
}
