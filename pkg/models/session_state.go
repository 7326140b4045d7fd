package models

import "time"

// SessionState is the durable snapshot of a session, exchanged with the
// session store. Volatile flags (in-flight, cancelled, pending approval) are
// deliberately absent: they do not survive a process restart.
type SessionState struct {
	ThreadID    string    `json:"threadId"`
	ContextID   string    `json:"contextId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	AutoApprove bool      `json:"autoApprove,omitempty"`
	AlwaysAllow []string  `json:"alwaysAllow,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}
