// Package lifecycle holds the quote case state machine: an explicit
// state × event transition table and a helper to fire events against a
// case inside its transaction.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/model"
)

// Event drives a case from one status to another.
type Event string

const (
	EventRFQDetected            Event = "rfq_detected"
	EventFactsReceived          Event = "facts_received"
	EventBlockingGapOpened      Event = "blocking_gap_opened"
	EventGapsResolvedIncomplete Event = "gaps_resolved_incomplete"
	EventGapsResolvedComplete   Event = "gaps_resolved_complete"
	EventFactsComplete          Event = "facts_complete"
	EventPricingStarted         Event = "pricing_started"
	EventPricingSucceeded       Event = "pricing_succeeded"
	EventPricingFailed          Event = "pricing_failed"
	EventReviewOpened           Event = "review_opened"
	EventVersionSelected        Event = "version_selected"
	EventSent                   Event = "sent"
	EventArchived               Event = "archived"
)

// AllEvents lists every event the table knows.
var AllEvents = []Event{
	EventRFQDetected,
	EventFactsReceived,
	EventBlockingGapOpened,
	EventGapsResolvedIncomplete,
	EventGapsResolvedComplete,
	EventFactsComplete,
	EventPricingStarted,
	EventPricingSucceeded,
	EventPricingFailed,
	EventReviewOpened,
	EventVersionSelected,
	EventSent,
	EventArchived,
}

type edge struct {
	from  model.CaseStatus
	event Event
}

// transitions is the complete table. Anything absent is a guard violation.
// Archival from every non-terminal state is added in init.
var transitions = map[edge]model.CaseStatus{
	{model.CaseStatusNewThread, EventRFQDetected}: model.CaseStatusRFQDetected,

	{model.CaseStatusRFQDetected, EventFactsReceived}:     model.CaseStatusFactsPartial,
	{model.CaseStatusRFQDetected, EventBlockingGapOpened}: model.CaseStatusNeedInfo,

	{model.CaseStatusFactsPartial, EventBlockingGapOpened}: model.CaseStatusNeedInfo,
	{model.CaseStatusFactsPartial, EventFactsComplete}:     model.CaseStatusReadyToPrice,

	{model.CaseStatusNeedInfo, EventBlockingGapOpened}:      model.CaseStatusNeedInfo,
	{model.CaseStatusNeedInfo, EventGapsResolvedIncomplete}: model.CaseStatusFactsPartial,
	{model.CaseStatusNeedInfo, EventGapsResolvedComplete}:   model.CaseStatusReadyToPrice,

	{model.CaseStatusReadyToPrice, EventPricingStarted}: model.CaseStatusPricingRunning,

	{model.CaseStatusPricingRunning, EventPricingSucceeded}: model.CaseStatusPricedDraft,
	{model.CaseStatusPricingRunning, EventPricingFailed}:    model.CaseStatusReadyToPrice,

	{model.CaseStatusPricedDraft, EventReviewOpened}: model.CaseStatusHumanReview,

	{model.CaseStatusHumanReview, EventVersionSelected}:     model.CaseStatusQuotedVersioned,
	{model.CaseStatusQuotedVersioned, EventVersionSelected}: model.CaseStatusQuotedVersioned,

	{model.CaseStatusQuotedVersioned, EventSent}: model.CaseStatusSent,
}

func init() {
	for _, s := range model.AllCaseStatuses {
		if s != model.CaseStatusArchived {
			transitions[edge{s, EventArchived}] = model.CaseStatusArchived
		}
	}
}

// Next returns the status reached by firing ev from the given status, or a
// GuardViolationError when the table has no such edge.
func Next(from model.CaseStatus, ev Event) (model.CaseStatus, error) {
	if to, ok := transitions[edge{from, ev}]; ok {
		return to, nil
	}
	return "", &model.GuardViolationError{From: from, Action: string(ev)}
}

// Allowed reports whether ev may fire from the given status.
func Allowed(from model.CaseStatus, ev Event) bool {
	_, ok := transitions[edge{from, ev}]
	return ok
}

// Terminal reports whether no event other than archival can leave s.
func Terminal(s model.CaseStatus) bool {
	return s == model.CaseStatusArchived || s == model.CaseStatusSent
}

// CaseWriter is the slice of a case transaction the machine needs.
type CaseWriter interface {
	Case() *model.QuoteCase
	UpdateCase(ctx context.Context, c *model.QuoteCase) error
}

// Fire applies ev to the transaction's case and persists the new status.
// On a guard violation nothing is written.
func Fire(ctx context.Context, tx CaseWriter, ev Event) (model.CaseStatus, error) {
	c := tx.Case()
	to, ok := transitions[edge{c.Status, ev}]
	if !ok {
		return c.Status, &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: string(ev)}
	}

	from := c.Status
	if to == from {
		return to, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateCase(ctx, c); err != nil {
		c.Status = from
		return from, err
	}

	zap.L().Info("case transition",
		zap.String("case_id", c.ID),
		zap.String("event", string(ev)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return to, nil
}
