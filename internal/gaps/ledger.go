// Package gaps tracks the missing or ambiguous facts that block pricing a
// case, and the advisory anti-replay check over the source emails.
package gaps

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/fingerprint"
	"github.com/sells-group/quote-desk/internal/lifecycle"
	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/store"
)

// DefaultReadyThreshold is the completeness at which a case whose blocking
// gaps are all resolved goes straight to READY_TO_PRICE.
const DefaultReadyThreshold = 0.8

// NewGap describes a gap reported by the fact-extraction collaborator.
type NewGap struct {
	Key      string `json:"gap_key" validate:"required,max=128"`
	Category string `json:"gap_category" validate:"max=64"`
	Question string `json:"question" validate:"required"`
	Blocking bool   `json:"is_blocking"`
}

// ReanalysisCheck compares the current source set against the one recorded
// at the last completed analysis.
type ReanalysisCheck struct {
	Current   string `json:"current"`
	Previous  string `json:"previous,omitempty"`
	Unchanged bool   `json:"unchanged"`
}

// Ledger records gaps per case and decides readiness to price.
type Ledger struct {
	store     store.Store
	threshold float64
}

// NewLedger creates a Ledger. A threshold outside (0,1] falls back to
// DefaultReadyThreshold.
func NewLedger(st store.Store, threshold float64) *Ledger {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultReadyThreshold
	}
	return &Ledger{store: st, threshold: threshold}
}

// Threshold returns the completeness needed to skip FACTS_PARTIAL.
func (l *Ledger) Threshold() float64 { return l.threshold }

// OpenGap records a gap for the case. An open gap with the same key is
// returned as-is; a resolved one is left untouched and a new row is created.
// A blocking gap moves RFQ_DETECTED and FACTS_PARTIAL cases to NEED_INFO.
func (l *Ledger) OpenGap(ctx context.Context, caseID string, in NewGap) (*model.Gap, error) {
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" {
		return nil, &model.ValidationError{Field: "gap_key", Message: "must not be empty"}
	}

	var out *model.Gap
	err := l.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if c.IsArchived() {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "open_gap", Reason: "case is archived"}
		}

		open, err := tx.ListGaps(ctx, true)
		if err != nil {
			return err
		}
		for i := range open {
			if open[i].GapKey != in.Key {
				continue
			}
			existing := &open[i]
			if in.Blocking && !existing.IsBlocking {
				if err := tx.MarkGapBlocking(ctx, existing.ID); err != nil {
					return err
				}
				existing.IsBlocking = true
				if err := blockIfAllowed(ctx, tx); err != nil {
					return err
				}
				zap.L().Info("gap raised to blocking",
					zap.String("case_id", c.ID),
					zap.String("gap_key", existing.GapKey),
				)
			}
			out = existing
			return nil
		}

		g := &model.Gap{
			ID:         uuid.New().String(),
			CaseID:     c.ID,
			GapKey:     in.Key,
			Category:   in.Category,
			Question:   in.Question,
			IsBlocking: in.Blocking,
			Status:     model.GapStatusOpen,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.InsertGap(ctx, g); err != nil {
			return err
		}

		if g.IsBlocking {
			if err := blockIfAllowed(ctx, tx); err != nil {
				return err
			}
		}

		zap.L().Info("gap opened",
			zap.String("case_id", c.ID),
			zap.String("gap_key", g.GapKey),
			zap.Bool("blocking", g.IsBlocking),
		)
		out = g
		return nil
	})
	return out, err
}

// ResolveGap marks a gap resolved. Resolving the last open blocking gap of
// a NEED_INFO case moves it to READY_TO_PRICE when completeness has reached
// the threshold and to FACTS_PARTIAL otherwise.
func (l *Ledger) ResolveGap(ctx context.Context, gapID string) (*model.Gap, error) {
	caseID, err := l.store.CaseIDFor(ctx, store.EntityGap, gapID)
	if err != nil {
		return nil, err
	}

	var out *model.Gap
	err = l.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if c.IsArchived() {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "resolve_gap", Reason: "case is archived"}
		}

		g, err := tx.GetGap(ctx, gapID)
		if err != nil {
			return err
		}
		if g.Status == model.GapStatusResolved {
			out = g
			return nil
		}

		now := time.Now().UTC()
		if err := tx.ResolveGap(ctx, gapID, now); err != nil {
			return err
		}
		g.Status = model.GapStatusResolved
		g.ResolvedAt = &now
		out = g

		zap.L().Info("gap resolved",
			zap.String("case_id", c.ID),
			zap.String("gap_key", g.GapKey),
		)
		return l.advanceIfUnblocked(ctx, tx)
	})
	return out, err
}

// List returns the case's gaps in creation order.
func (l *Ledger) List(ctx context.Context, caseID string, openOnly bool) ([]model.Gap, error) {
	var out []model.Gap
	err := l.store.ReadCase(ctx, caseID, func(tx store.CaseTx) error {
		var err error
		out, err = tx.ListGaps(ctx, openOnly)
		return err
	})
	return out, err
}

// ListBlocking returns the case's open blocking gaps.
func (l *Ledger) ListBlocking(ctx context.Context, caseID string) ([]model.Gap, error) {
	var out []model.Gap
	err := l.store.ReadCase(ctx, caseID, func(tx store.CaseTx) error {
		var err error
		out, err = openBlocking(ctx, tx)
		return err
	})
	return out, err
}

// IsReadyToPrice reports whether the case has no open blocking gap.
// Completeness is not consulted.
func (l *Ledger) IsReadyToPrice(ctx context.Context, caseID string) (bool, error) {
	blocking, err := l.ListBlocking(ctx, caseID)
	if err != nil {
		return false, err
	}
	return len(blocking) == 0, nil
}

// RecordCompleteness stores the collaborator's completeness score and
// advances the case along the facts path when nothing blocks it.
func (l *Ledger) RecordCompleteness(ctx context.Context, caseID string, score float64) (*model.QuoteCase, error) {
	if score < 0 || score > 1 || math.IsNaN(score) {
		return nil, &model.ValidationError{Field: "completeness", Message: "must be within [0,1]"}
	}

	var out *model.QuoteCase
	err := l.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if c.IsArchived() {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "record_completeness", Reason: "case is archived"}
		}
		c.Completeness = score
		c.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		out = c

		if c.Status == model.CaseStatusRFQDetected {
			if _, err := lifecycle.Fire(ctx, tx, lifecycle.EventFactsReceived); err != nil {
				return err
			}
		}
		return l.advanceIfUnblocked(ctx, tx)
	})
	return out, err
}

// advanceIfUnblocked fires the facts-path event that matches the case's
// status once no blocking gap is open.
func (l *Ledger) advanceIfUnblocked(ctx context.Context, tx store.CaseTx) error {
	c := tx.Case()
	if c.Status != model.CaseStatusNeedInfo && c.Status != model.CaseStatusFactsPartial {
		return nil
	}

	blocking, err := openBlocking(ctx, tx)
	if err != nil {
		return err
	}
	if len(blocking) > 0 {
		return nil
	}

	complete := c.Completeness >= l.threshold
	var ev lifecycle.Event
	switch {
	case c.Status == model.CaseStatusNeedInfo && complete:
		ev = lifecycle.EventGapsResolvedComplete
	case c.Status == model.CaseStatusNeedInfo:
		ev = lifecycle.EventGapsResolvedIncomplete
	case complete:
		ev = lifecycle.EventFactsComplete
	default:
		return nil
	}
	_, err = lifecycle.Fire(ctx, tx, ev)
	return err
}

// CheckReanalysis fingerprints the current source email set and compares it
// with the set recorded at the last completed analysis. It never blocks.
func (l *Ledger) CheckReanalysis(ctx context.Context, caseID string, sourceIDs []string) (*ReanalysisCheck, error) {
	current, err := sourceSetFingerprint(sourceIDs)
	if err != nil {
		return nil, err
	}
	c, err := l.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &ReanalysisCheck{
		Current:   current,
		Previous:  c.AnalysisFingerprint,
		Unchanged: c.AnalysisFingerprint != "" && c.AnalysisFingerprint == current,
	}, nil
}

// RecordAnalysis stores the fingerprint of the source set that drove a
// completed analysis and returns it.
func (l *Ledger) RecordAnalysis(ctx context.Context, caseID string, sourceIDs []string) (string, error) {
	fp, err := sourceSetFingerprint(sourceIDs)
	if err != nil {
		return "", err
	}
	err = l.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if c.IsArchived() {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "record_analysis", Reason: "case is archived"}
		}
		c.AnalysisFingerprint = fp
		c.UpdatedAt = time.Now().UTC()
		return tx.UpdateCase(ctx, c)
	})
	if err != nil {
		return "", err
	}

	zap.L().Debug("analysis recorded",
		zap.String("case_id", caseID),
		zap.String("fingerprint", fp),
	)
	return fp, nil
}

func sourceSetFingerprint(ids []string) (string, error) {
	fp, err := fingerprint.OfSet(ids)
	if err != nil {
		return "", &model.ValidationError{Field: "source_ids", Message: "must be valid UTF-8"}
	}
	return fp, nil
}

// blockIfAllowed moves the case to NEED_INFO when its state accepts a new
// blocking gap.
func blockIfAllowed(ctx context.Context, tx store.CaseTx) error {
	if !lifecycle.Allowed(tx.Case().Status, lifecycle.EventBlockingGapOpened) {
		return nil
	}
	_, err := lifecycle.Fire(ctx, tx, lifecycle.EventBlockingGapOpened)
	return err
}

func openBlocking(ctx context.Context, tx store.CaseTx) ([]model.Gap, error) {
	open, err := tx.ListGaps(ctx, true)
	if err != nil {
		return nil, err
	}
	var blocking []model.Gap
	for _, g := range open {
		if g.IsBlocking {
			blocking = append(blocking, g)
		}
	}
	return blocking, nil
}
