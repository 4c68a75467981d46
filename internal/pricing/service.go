// Package pricing keeps the append-only history of pricing engine runs per
// case and drives the engine for a case that is ready to price.
package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/fingerprint"
	"github.com/sells-group/quote-desk/internal/lifecycle"
	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/store"
)

// Service records pricing runs. Run numbers are claimed under the case lock.
type Service struct {
	store store.Store
}

// NewService creates a pricing Service backed by st.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// StartRun claims the next run number for the case and records a running
// run. It fails with ConcurrentRunError while another run is running, and
// with a guard violation unless the case is READY_TO_PRICE with no open
// blocking gap.
func (s *Service) StartRun(ctx context.Context, caseID string, input any) (*model.PricingRun, error) {
	inputFP, err := fingerprint.Sum(input)
	if err != nil {
		return nil, &model.ValidationError{Field: "engine_input", Message: err.Error()}
	}

	var out *model.PricingRun
	err = s.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()

		running, err := tx.RunningRun(ctx)
		if err != nil {
			return err
		}
		if running != nil {
			return &model.ConcurrentRunError{CaseID: c.ID, RunID: running.ID, RunNumber: running.RunNumber}
		}

		if !lifecycle.Allowed(c.Status, lifecycle.EventPricingStarted) {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: string(lifecycle.EventPricingStarted)}
		}
		open, err := tx.ListGaps(ctx, true)
		if err != nil {
			return err
		}
		for _, g := range open {
			if g.IsBlocking {
				return &model.GuardViolationError{
					CaseID: c.ID,
					From:   c.Status,
					Action: string(lifecycle.EventPricingStarted),
					Reason: "blocking gap " + g.GapKey + " is open",
				}
			}
		}

		n, err := tx.NextRunNumber(ctx)
		if err != nil {
			return err
		}
		run := &model.PricingRun{
			ID:               uuid.New().String(),
			CaseID:           c.ID,
			RunNumber:        n,
			Status:           model.RunStatusRunning,
			InputFingerprint: inputFP,
			StartedAt:        time.Now().UTC(),
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		if _, err := lifecycle.Fire(ctx, tx, lifecycle.EventPricingStarted); err != nil {
			return err
		}

		zap.L().Info("pricing run started",
			zap.String("case_id", c.ID),
			zap.Int("run_number", n),
			zap.String("input_fingerprint", inputFP),
		)
		out = run
		return nil
	})
	return out, err
}

// CompleteRun records the terminal outcome of a running run. Only a running
// run may complete. The case returns to READY_TO_PRICE on failure and moves
// to PRICED_DRAFT on success; an archived case keeps the result unconsumed.
func (s *Service) CompleteRun(ctx context.Context, runID string, outcome model.RunOutcome) (*model.PricingRun, error) {
	if !outcome.Status.Terminal() {
		return nil, &model.ValidationError{Field: "status", Message: "outcome must be success or failed"}
	}

	caseID, err := s.store.CaseIDFor(ctx, store.EntityRun, runID)
	if err != nil {
		return nil, err
	}

	var out *model.PricingRun
	err = s.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != model.RunStatusRunning {
			return &model.InvariantError{Entity: string(store.EntityRun), ID: run.ID, Invariant: "run already " + string(run.Status)}
		}

		now := time.Now().UTC()
		run.Status = outcome.Status
		run.CompletedAt = &now
		if outcome.Status == model.RunStatusSuccess {
			run.LineItems = outcome.LineItems
			run.Totals = outcome.Totals
			run.Currency = outcome.Currency
			run.RawResponse = outcome.RawResponse
		} else {
			run.FailureReason = outcome.Reason
		}
		if err := tx.FinishRun(ctx, run); err != nil {
			return err
		}
		out = run

		c := tx.Case()
		logger := zap.L().With(
			zap.String("case_id", c.ID),
			zap.Int("run_number", run.RunNumber),
			zap.String("status", string(run.Status)),
		)
		if c.Status != model.CaseStatusPricingRunning {
			logger.Info("pricing run completed without consuming result", zap.String("case_status", string(c.Status)))
			return nil
		}

		ev := lifecycle.EventPricingSucceeded
		if run.Status == model.RunStatusFailed {
			ev = lifecycle.EventPricingFailed
			logger.Warn("pricing run failed", zap.String("reason", run.FailureReason))
		} else {
			logger.Info("pricing run succeeded", zap.Float64("total_ttc", run.Totals.TTC))
		}
		_, err = lifecycle.Fire(ctx, tx, ev)
		return err
	})
	return out, err
}

// LatestSuccessful returns the highest-numbered successful run of the case.
func (s *Service) LatestSuccessful(ctx context.Context, caseID string) (*model.PricingRun, error) {
	runs, err := s.ListRuns(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status == model.RunStatusSuccess {
			return &runs[i], nil
		}
	}
	return nil, &model.NotFoundError{Entity: "successful pricing run for case", ID: caseID}
}

// ListRuns returns every run of the case ordered by run number.
func (s *Service) ListRuns(ctx context.Context, caseID string) ([]model.PricingRun, error) {
	var out []model.PricingRun
	err := s.store.ReadCase(ctx, caseID, func(tx store.CaseTx) error {
		var err error
		out, err = tx.ListRuns(ctx)
		return err
	})
	return out, err
}

// GetRun returns one run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*model.PricingRun, error) {
	caseID, err := s.store.CaseIDFor(ctx, store.EntityRun, runID)
	if err != nil {
		return nil, err
	}
	var out *model.PricingRun
	err = s.store.ReadCase(ctx, caseID, func(tx store.CaseTx) error {
		var err error
		out, err = tx.GetRun(ctx, runID)
		return err
	})
	return out, err
}
