// Package models provides domain types for the Turnstile orchestration core.
package models

// LifecycleState is the state of a model-endpoint task as reported on the
// event stream.
type LifecycleState string

const (
	// StateWorking means the task is still producing output.
	StateWorking LifecycleState = "working"

	// StateInputRequired pauses the task until the user (or the orchestrator
	// on their behalf) supplies a tool-approval decision. It is not terminal:
	// the task id stays valid and the turn can be continued.
	StateInputRequired LifecycleState = "input-required"

	// StateCompleted means the task finished normally.
	StateCompleted LifecycleState = "completed"

	// StateFailed means the task ended with an error on the endpoint side.
	StateFailed LifecycleState = "failed"

	// StateCanceled means the task was canceled.
	StateCanceled LifecycleState = "canceled"

	// StateRejected means a tool approval was rejected and the task ended.
	StateRejected LifecycleState = "rejected"
)

// Terminal reports whether no further continuation is possible under the
// same task id.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	}
	return false
}

// Event is one protocol event pulled from a model-endpoint stream.
//
// The endpoint's wire representation is a single record with many optional
// fields; it is decoded into one variant per kind so consumers can switch
// exhaustively instead of testing field presence.
type Event interface {
	isEvent()
}

// TextSnapshot carries the latest full text of the response so far. The
// protocol sends cumulative snapshots, not deltas: each snapshot replaces
// the previous one.
type TextSnapshot struct {
	TaskID    string
	ContextID string
	Text      string
}

// LifecycleChange reports a task entering a new lifecycle state.
type LifecycleChange struct {
	TaskID    string
	ContextID string
	State     LifecycleState
}

// ToolApprovalRequested carries the current batch of tool-call approval
// records for a task. A new batch replaces the previous one wholesale.
type ToolApprovalRequested struct {
	TaskID    string
	ContextID string
	Approvals []ToolApprovalRequest
}

func (TextSnapshot) isEvent()          {}
func (LifecycleChange) isEvent()       {}
func (ToolApprovalRequested) isEvent() {}
