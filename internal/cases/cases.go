// Package cases owns quote case creation and the case-level transitions
// that are not driven by gaps, pricing, versions or sending.
package cases

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/lifecycle"
	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/store"
)

// Service manages quote cases.
type Service struct {
	store store.Store
}

// NewService creates a case Service backed by st.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Open returns the active case for threadRef, creating a NEW_THREAD case when
// none exists. The boolean reports whether a case was created.
func (s *Service) Open(ctx context.Context, threadRef string, priority model.Priority) (*model.QuoteCase, bool, error) {
	threadRef = strings.TrimSpace(threadRef)
	if threadRef == "" {
		return nil, false, &model.ValidationError{Field: "thread_ref", Message: "must not be empty"}
	}
	if priority == "" {
		priority = model.PriorityNormal
	}

	existing, err := s.store.FindActiveCase(ctx, threadRef)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	c := &model.QuoteCase{
		ID:        uuid.New().String(),
		ThreadRef: threadRef,
		Status:    model.CaseStatusNewThread,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCase(ctx, c); err != nil {
		if _, ok := err.(*model.InvariantError); ok {
			// Lost a creation race on the same thread; use the winner.
			winner, ferr := s.store.FindActiveCase(ctx, threadRef)
			if ferr == nil && winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}

	zap.L().Info("case opened",
		zap.String("case_id", c.ID),
		zap.String("thread_ref", threadRef),
	)
	return c, true, nil
}

// Get returns a case by id.
func (s *Service) Get(ctx context.Context, caseID string) (*model.QuoteCase, error) {
	return s.store.GetCase(ctx, caseID)
}

// List returns cases matching filter, newest first.
func (s *Service) List(ctx context.Context, filter store.CaseFilter) ([]model.QuoteCase, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &model.ValidationError{Field: "status", Message: "unknown status " + string(filter.Status)}
	}
	return s.store.ListCases(ctx, filter)
}

// ClassifyRFQ records that the thread is a quotation request and moves a
// NEW_THREAD case to RFQ_DETECTED.
func (s *Service) ClassifyRFQ(ctx context.Context, caseID, requestType string, priority model.Priority) (*model.QuoteCase, error) {
	var out *model.QuoteCase
	err := s.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if !lifecycle.Allowed(c.Status, lifecycle.EventRFQDetected) {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: string(lifecycle.EventRFQDetected)}
		}
		c.RequestType = strings.TrimSpace(requestType)
		if priority != "" {
			c.Priority = priority
		}
		if _, err := lifecycle.Fire(ctx, tx, lifecycle.EventRFQDetected); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// OpenReview moves a PRICED_DRAFT case into HUMAN_REVIEW.
func (s *Service) OpenReview(ctx context.Context, caseID string) (*model.QuoteCase, error) {
	return s.fire(ctx, caseID, lifecycle.EventReviewOpened)
}

// Archive makes a case read-only. Any non-archived case may be archived.
func (s *Service) Archive(ctx context.Context, caseID string) (*model.QuoteCase, error) {
	return s.fire(ctx, caseID, lifecycle.EventArchived)
}

func (s *Service) fire(ctx context.Context, caseID string, ev lifecycle.Event) (*model.QuoteCase, error) {
	var out *model.QuoteCase
	err := s.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		if _, err := lifecycle.Fire(ctx, tx, ev); err != nil {
			return err
		}
		out = tx.Case()
		return nil
	})
	return out, err
}
