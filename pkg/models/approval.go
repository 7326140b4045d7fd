package models

// ApprovalStatus is the state of a single tool-approval record on the
// endpoint stream. Only awaiting records are actionable; resolved ones are
// informational.
type ApprovalStatus string

const (
	// StatusAwaitingApproval marks a tool call waiting for a decision.
	StatusAwaitingApproval ApprovalStatus = "awaiting_approval"

	// StatusResolved marks a tool call whose decision has been delivered.
	StatusResolved ApprovalStatus = "resolved"
)

// ToolApprovalRequest is one tool call the endpoint wants a decision for.
type ToolApprovalRequest struct {
	CallID      string         `json:"callId"`
	TaskID      string         `json:"taskId"`
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName,omitempty"`
	Status      ApprovalStatus `json:"status"`
}

// Label returns the human-facing tool name for prompts.
func (r ToolApprovalRequest) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

// ApprovalOutcome is a canonical decision for a pending tool call.
type ApprovalOutcome string

const (
	// OutcomeProceedOnce allows this single tool call.
	OutcomeProceedOnce ApprovalOutcome = "proceed_once"

	// OutcomeProceedAlways allows this call and every future call of the
	// same tool for the session.
	OutcomeProceedAlways ApprovalOutcome = "proceed_always_tool"

	// OutcomeCancel rejects the tool call.
	OutcomeCancel ApprovalOutcome = "cancel"
)

// Valid reports whether o is one of the canonical outcomes.
func (o ApprovalOutcome) Valid() bool {
	switch o {
	case OutcomeProceedOnce, OutcomeProceedAlways, OutcomeCancel:
		return true
	}
	return false
}

// Resolution is a decision for one tool call, sent back to the endpoint.
type Resolution struct {
	CallID  string          `json:"callId"`
	TaskID  string          `json:"taskId"`
	Outcome ApprovalOutcome `json:"outcome"`
}

// PendingApproval is the single outstanding approval prompt on a session.
// At most one exists per session at a time.
type PendingApproval struct {
	CallID   string `json:"callId"`
	TaskID   string `json:"taskId"`
	ToolName string `json:"toolName"`
}
