package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the state of a pricing run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether a run in this status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// Totals holds the priced amounts before (HT) and after (TTC) tax.
type Totals struct {
	HT  float64 `json:"ht"`
	TTC float64 `json:"ttc"`
}

// LineItem is one priced charge produced by the pricing engine.
type LineItem struct {
	Code        string  `json:"code,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
}

// HistoricalSuggestion is an advisory line proposal drawn from prior similar
// cases. Suggestions are shown to reviewers and never applied automatically.
type HistoricalSuggestion struct {
	Description  string  `json:"description"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency,omitempty"`
	SourceCaseID string  `json:"source_case_id,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// PricingRun is one recorded invocation of the pricing engine.
type PricingRun struct {
	ID               string          `json:"id"`
	CaseID           string          `json:"case_id"`
	RunNumber        int             `json:"run_number"`
	Status           RunStatus       `json:"status"`
	Totals           Totals          `json:"totals"`
	Currency         string          `json:"currency,omitempty"`
	LineItems        []LineItem      `json:"line_items"`
	RawResponse      json.RawMessage `json:"raw_response,omitempty"`
	InputFingerprint string          `json:"input_fingerprint,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	StartedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// HistoricalSuggestions extracts the advisory suggestions carried in the raw
// engine response, if any.
func (r *PricingRun) HistoricalSuggestions() []HistoricalSuggestion {
	if len(r.RawResponse) == 0 {
		return nil
	}
	var raw struct {
		Suggestions []HistoricalSuggestion `json:"historical_suggestions"`
	}
	if err := json.Unmarshal(r.RawResponse, &raw); err != nil {
		return nil
	}
	return raw.Suggestions
}

// RunOutcome is the terminal result reported for a running pricing run.
// Exactly one of Success or Failure semantics applies, chosen by Status.
type RunOutcome struct {
	Status      RunStatus       `json:"status"`
	LineItems   []LineItem      `json:"line_items,omitempty"`
	Totals      Totals          `json:"totals"`
	Currency    string          `json:"currency,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// SuccessOutcome builds a successful run outcome.
func SuccessOutcome(lines []LineItem, totals Totals, currency string, raw json.RawMessage) RunOutcome {
	return RunOutcome{
		Status:      RunStatusSuccess,
		LineItems:   lines,
		Totals:      totals,
		Currency:    currency,
		RawResponse: raw,
	}
}

// FailedOutcome builds a failed run outcome.
func FailedOutcome(reason string) RunOutcome {
	return RunOutcome{Status: RunStatusFailed, Reason: reason}
}
