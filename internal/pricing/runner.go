package pricing

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/resilience"
	"github.com/sells-group/quote-desk/pkg/pricingengine"
)

// Engine is the pricing engine collaborator.
type Engine interface {
	Price(ctx context.Context, req pricingengine.PriceRequest) (*pricingengine.PriceResponse, error)
}

// Runner starts a run, calls the engine under the retry policy and records
// the outcome. Engine failures are recorded as failed runs, never dropped.
type Runner struct {
	runs   *Service
	engine Engine
	retry  resilience.RetryConfig
}

// NewRunner creates a Runner. retry bounds each engine attempt and retries
// timeouts only.
func NewRunner(runs *Service, engine Engine, retry resilience.RetryConfig) *Runner {
	return &Runner{runs: runs, engine: engine, retry: retry}
}

// Run prices the case with the given facts. The returned run is terminal.
// When the engine kept timing out the failed run is returned together with
// the UpstreamTimeoutError so callers can surface a transient failure.
func (r *Runner) Run(ctx context.Context, caseID, requestType string, facts json.RawMessage) (*model.PricingRun, error) {
	run, err := r.runs.StartRun(ctx, caseID, facts)
	if err != nil {
		return nil, err
	}

	resp, callErr := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*pricingengine.PriceResponse, error) {
		return r.engine.Price(ctx, pricingengine.PriceRequest{
			CaseID:      caseID,
			RunNumber:   run.RunNumber,
			RequestType: requestType,
			Facts:       facts,
		})
	})

	outcome := outcomeFor(resp, callErr)

	// The run must reach a terminal state even if the caller went away.
	done, err := r.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, outcome)
	if err != nil {
		return nil, err
	}

	if callErr != nil {
		zap.L().Warn("pricing engine call failed",
			zap.String("case_id", caseID),
			zap.Int("run_number", run.RunNumber),
			zap.Error(callErr),
		)
		var ute *resilience.UpstreamTimeoutError
		if errors.As(callErr, &ute) {
			return done, ute
		}
	}
	return done, nil
}

func outcomeFor(resp *pricingengine.PriceResponse, err error) model.RunOutcome {
	if err != nil {
		var rejected *pricingengine.RejectedError
		if errors.As(err, &rejected) {
			return model.FailedOutcome(rejected.Reason)
		}
		return model.FailedOutcome(err.Error())
	}

	lines := make([]model.LineItem, 0, len(resp.Lines))
	for _, l := range resp.Lines {
		lines = append(lines, model.LineItem{
			Code:        l.Code,
			Description: l.Description,
			Quantity:    l.Quantity,
			Unit:        l.Unit,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
			Currency:    l.Currency,
		})
	}
	return model.SuccessOutcome(lines, model.Totals{HT: resp.Totals.HT, TTC: resp.Totals.TTC}, resp.Currency, resp.Raw)
}
