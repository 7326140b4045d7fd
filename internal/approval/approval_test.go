package approval

import (
	"strings"
	"testing"

	"github.com/coppermind/turnstile/pkg/models"
)

func TestParseDecision_Vocabulary(t *testing.T) {
	tests := []struct {
		text       string
		want       models.ApprovalOutcome
		recognized bool
	}{
		{"yes", models.OutcomeProceedOnce, true},
		{"y", models.OutcomeProceedOnce, true},
		{"approve", models.OutcomeProceedOnce, true},
		{"Approve", models.OutcomeProceedOnce, true},
		{"  YES  ", models.OutcomeProceedOnce, true},
		{"always allow", models.OutcomeProceedAlways, true},
		{"Always Allow", models.OutcomeProceedAlways, true},
		{"no", models.OutcomeCancel, true},
		{"n", models.OutcomeCancel, true},
		{"reject", models.OutcomeCancel, true},
		{"yes please", "", false},
		{"maybe", "", false},
		{"", "", false},
		{"allow always", "", false},
	}

	for _, tt := range tests {
		got, recognized := ParseDecision(tt.text)
		if recognized != tt.recognized {
			t.Errorf("ParseDecision(%q) recognized = %v, want %v", tt.text, recognized, tt.recognized)
			continue
		}
		if recognized && got != tt.want {
			t.Errorf("ParseDecision(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestClickPayload_Validate(t *testing.T) {
	valid := ClickPayload{CallID: "c1", TaskID: "t1", Outcome: models.OutcomeProceedOnce}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	tests := []struct {
		name    string
		payload ClickPayload
	}{
		{"missing callId", ClickPayload{TaskID: "t1", Outcome: models.OutcomeProceedOnce}},
		{"missing taskId", ClickPayload{CallID: "c1", Outcome: models.OutcomeProceedOnce}},
		{"missing outcome", ClickPayload{CallID: "c1", TaskID: "t1"}},
		{"unknown outcome", ClickPayload{CallID: "c1", TaskID: "t1", Outcome: "shrug"}},
	}
	for _, tt := range tests {
		if err := tt.payload.Validate(); err == nil {
			t.Errorf("Validate() %s: error = nil, want validation failure", tt.name)
		}
	}
}

func TestPrompt(t *testing.T) {
	req := models.ToolApprovalRequest{
		CallID:      "c1",
		TaskID:      "t1",
		Name:        "write_file",
		DisplayName: "Write File",
		Status:      models.StatusAwaitingApproval,
	}

	out := Prompt(req)
	if out.Card == nil {
		t.Fatal("Prompt() returned no card")
	}
	if out.Card.CallID != "c1" || out.Card.TaskID != "t1" || out.Card.ToolName != "write_file" {
		t.Errorf("card = %+v", out.Card)
	}
	if out.Text == "" {
		t.Error("Prompt() returned empty text")
	}
	// Display name is preferred in the text rendering.
	if want := "Write File"; !strings.Contains(out.Text, want) {
		t.Errorf("prompt text %q does not mention %q", out.Text, want)
	}
}
