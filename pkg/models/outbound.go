package models

// Outbound is one message pushed to a presentation sink. Delivery is
// fire-and-forget: the orchestrator never waits for confirmation.
type Outbound struct {
	// Text is the plain rendering, always present. Front-ends without rich
	// rendering show only this.
	Text string

	// Card, when set, lets button-capable front-ends render the approval
	// prompt with actions instead of asking for a typed reply.
	Card *ApprovalCard
}

// ApprovalCard describes an actionable tool-approval prompt.
type ApprovalCard struct {
	CallID   string
	TaskID   string
	ToolName string
}
