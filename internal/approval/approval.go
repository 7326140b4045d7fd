// Package approval turns user approval decisions into canonical outcomes
// and renders approval prompts.
//
// Free-text decisions use a fixed, case-insensitive vocabulary; anything
// outside it is not a decision and leaves the pending prompt untouched.
package approval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coppermind/turnstile/pkg/models"
)

// vocabulary maps normalized decision text to a canonical outcome. Exact
// matches only: "yes please" is a new message, not an approval.
var vocabulary = map[string]models.ApprovalOutcome{
	"approve":      models.OutcomeProceedOnce,
	"yes":          models.OutcomeProceedOnce,
	"y":            models.OutcomeProceedOnce,
	"always allow": models.OutcomeProceedAlways,
	"reject":       models.OutcomeCancel,
	"no":           models.OutcomeCancel,
	"n":            models.OutcomeCancel,
}

// ParseDecision maps free text to an approval outcome. The second return is
// false when the text is not in the vocabulary.
func ParseDecision(text string) (models.ApprovalOutcome, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	outcome, ok := vocabulary[normalized]
	return outcome, ok
}

// ClickPayload is a structured decision from a button-capable front-end.
type ClickPayload struct {
	CallID  string                 `json:"callId"`
	TaskID  string                 `json:"taskId"`
	Outcome models.ApprovalOutcome `json:"outcome"`
}

var (
	errMissingCallID  = errors.New("approval decision is missing callId")
	errMissingTaskID  = errors.New("approval decision is missing taskId")
	errMissingOutcome = errors.New("approval decision is missing outcome")
)

// Validate checks that the payload carries everything a resolution needs.
// A malformed payload is a validation failure reported in the immediate
// ack; no turn is started.
func (p ClickPayload) Validate() error {
	if p.CallID == "" {
		return errMissingCallID
	}
	if p.TaskID == "" {
		return errMissingTaskID
	}
	if p.Outcome == "" {
		return errMissingOutcome
	}
	if !p.Outcome.Valid() {
		return fmt.Errorf("unknown approval outcome %q", p.Outcome)
	}
	return nil
}

// Prompt renders the user-facing approval request for a tool call.
func Prompt(req models.ToolApprovalRequest) models.Outbound {
	return models.Outbound{
		Text: fmt.Sprintf(
			"The agent wants to run %s. Reply \"yes\" to allow once, \"always allow\" to allow this tool for the session, or \"no\" to reject.",
			req.Label()),
		Card: &models.ApprovalCard{
			CallID:   req.CallID,
			TaskID:   req.TaskID,
			ToolName: req.Name,
		},
	}
}
