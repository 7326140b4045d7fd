package turn

import "github.com/coppermind/turnstile/pkg/models"

// Accumulator folds a stream of protocol events into the latest-known state
// of one round. Merge semantics are latest-wins: each field is overwritten
// whenever a new event supplies a value. Text is a cumulative snapshot from
// the protocol, so overwriting it never loses output. Approval batches
// replace each other wholesale; they are never merged.
//
// Events must be applied in delivery order. Out-of-order delivery would
// silently corrupt state; ordered delivery is a protocol guarantee the
// orchestrator relies on rather than defends against.
type Accumulator struct {
	Text      string
	TaskID    string
	ContextID string
	State     models.LifecycleState
	Approvals []models.ToolApprovalRequest
}

// Apply folds one event into the accumulator.
func (a *Accumulator) Apply(ev models.Event) {
	switch e := ev.(type) {
	case models.TextSnapshot:
		a.Text = e.Text
		a.noteIDs(e.TaskID, e.ContextID)
	case models.LifecycleChange:
		if e.State != "" {
			a.State = e.State
		}
		a.noteIDs(e.TaskID, e.ContextID)
	case models.ToolApprovalRequested:
		a.Approvals = append([]models.ToolApprovalRequest(nil), e.Approvals...)
		a.noteIDs(e.TaskID, e.ContextID)
	}
}

func (a *Accumulator) noteIDs(taskID, contextID string) {
	if taskID != "" {
		a.TaskID = taskID
	}
	if contextID != "" {
		a.ContextID = contextID
	}
}

// RoundOver reports whether the orchestrator should stop pulling events:
// the task reached a terminal state or paused for input. The transport may
// keep the connection open past this point; the orchestrator, not the
// transport, decides when a round is done.
func (a *Accumulator) RoundOver() bool {
	return a.State.Terminal() || a.State == models.StateInputRequired
}

// Awaiting returns the approval records still waiting for a decision.
func (a *Accumulator) Awaiting() []models.ToolApprovalRequest {
	var out []models.ToolApprovalRequest
	for _, req := range a.Approvals {
		if req.Status == models.StatusAwaitingApproval {
			out = append(out, req)
		}
	}
	return out
}
