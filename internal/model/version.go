package model

import (
	"encoding/json"
	"time"
)

// VersionStatus is the editability state of a quotation version.
type VersionStatus string

const (
	VersionStatusDraft      VersionStatus = "draft"
	VersionStatusFinal      VersionStatus = "final"
	VersionStatusSuperseded VersionStatus = "superseded"
)

// QuotationVersion is an immutable numbered snapshot of a priced quotation.
// Only Status and IsSelected change after creation.
type QuotationVersion struct {
	ID            string          `json:"id"`
	CaseID        string          `json:"case_id"`
	VersionNumber int             `json:"version_number"`
	SourceRunID   string          `json:"source_run_id"`
	Status        VersionStatus   `json:"status"`
	IsSelected    bool            `json:"is_selected"`
	Snapshot      json.RawMessage `json:"snapshot"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by"`
}

// QuotationSnapshot is the default frozen payload built from a pricing run.
type QuotationSnapshot struct {
	RunNumber int        `json:"run_number"`
	LineItems []LineItem `json:"line_items"`
	Totals    Totals     `json:"totals"`
	Currency  string     `json:"currency"`
	Terms     string     `json:"terms,omitempty"`
}
