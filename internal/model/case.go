package model

import "time"

// CaseStatus is the persisted lifecycle state of a quote case.
type CaseStatus string

const (
	CaseStatusNewThread       CaseStatus = "NEW_THREAD"
	CaseStatusRFQDetected     CaseStatus = "RFQ_DETECTED"
	CaseStatusFactsPartial    CaseStatus = "FACTS_PARTIAL"
	CaseStatusNeedInfo        CaseStatus = "NEED_INFO"
	CaseStatusReadyToPrice    CaseStatus = "READY_TO_PRICE"
	CaseStatusPricingRunning  CaseStatus = "PRICING_RUNNING"
	CaseStatusPricedDraft     CaseStatus = "PRICED_DRAFT"
	CaseStatusHumanReview     CaseStatus = "HUMAN_REVIEW"
	CaseStatusQuotedVersioned CaseStatus = "QUOTED_VERSIONED"
	CaseStatusSent            CaseStatus = "SENT"
	CaseStatusArchived        CaseStatus = "ARCHIVED"
)

// AllCaseStatuses lists every status in lifecycle order.
var AllCaseStatuses = []CaseStatus{
	CaseStatusNewThread,
	CaseStatusRFQDetected,
	CaseStatusFactsPartial,
	CaseStatusNeedInfo,
	CaseStatusReadyToPrice,
	CaseStatusPricingRunning,
	CaseStatusPricedDraft,
	CaseStatusHumanReview,
	CaseStatusQuotedVersioned,
	CaseStatusSent,
	CaseStatusArchived,
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	for _, known := range AllCaseStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Priority ranks how urgently a quotation request should be handled.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// QuoteCase tracks one quotation request for an email thread end to end.
type QuoteCase struct {
	ID          string     `json:"id"`
	ThreadRef   string     `json:"thread_ref"`
	Status      CaseStatus `json:"status"`
	RequestType string     `json:"request_type,omitempty"`
	Priority    Priority   `json:"priority"`
	// Completeness is the fraction of required facts known, as scored by the
	// fact-extraction collaborator.
	Completeness float64 `json:"completeness"`
	// AnalysisFingerprint is the canonical fingerprint of the source emails
	// that drove the last completed analysis. Empty until the first one.
	AnalysisFingerprint string    `json:"analysis_fingerprint,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IsArchived reports whether the case is read-only.
func (c *QuoteCase) IsArchived() bool {
	return c.Status == CaseStatusArchived
}
