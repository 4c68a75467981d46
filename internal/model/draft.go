package model

import "time"

// DraftStatus is the delivery state of an outbound email draft.
type DraftStatus string

const (
	DraftStatusDraft DraftStatus = "draft"
	DraftStatusSent  DraftStatus = "sent"
)

// EmailDraft is the outbound message carrying a quotation to the client.
// Once sent, the draft and its SentAt are immutable.
type EmailDraft struct {
	ID            string      `json:"id"`
	CaseID        string      `json:"case_id"`
	Owner         string      `json:"owner"`
	Subject       string      `json:"subject"`
	Recipients    []string    `json:"recipients"`
	Body          string      `json:"body,omitempty"`
	Status        DraftStatus `json:"status"`
	VersionID     string      `json:"version_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	SentAt        *time.Time  `json:"sent_at,omitempty"`
}

// SendResult is the outcome of a send call. Idempotent is true when the draft
// had already been sent and nothing was re-delivered.
type SendResult struct {
	Success       bool      `json:"success"`
	Idempotent    bool      `json:"idempotent"`
	SentAt        time.Time `json:"sent_at"`
	CorrelationID string    `json:"correlation_id"`
}
