package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/resilience"
)

// runView is a pricing run with its advisory historical suggestions.
type runView struct {
	*model.PricingRun
	HistoricalSuggestions []model.HistoricalSuggestion `json:"historical_suggestions,omitempty"`
}

func viewOfRun(r *model.PricingRun) runView {
	return runView{PricingRun: r, HistoricalSuggestions: r.HistoricalSuggestions()}
}

type runRequest struct {
	// RequestType defaults to the case's classified request type.
	RequestType string          `json:"request_type" validate:"max=64"`
	Facts       json.RawMessage `json:"facts" validate:"required"`
}

type completeRunRequest struct {
	Status      model.RunStatus  `json:"status" validate:"required,oneof=success failed"`
	LineItems   []model.LineItem `json:"line_items"`
	Totals      model.Totals     `json:"totals"`
	Currency    string           `json:"currency" validate:"omitempty,len=3"`
	RawResponse json.RawMessage  `json:"raw_response"`
	Reason      string           `json:"reason"`
}

// runPricing starts a run and prices it synchronously. A run that kept
// timing out is reported as 504 with the failed run recorded.
func (s *Server) runPricing(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "caseID")
	requestType := req.RequestType
	if requestType == "" {
		c, err := s.svc.Cases.Get(r.Context(), caseID)
		if err != nil {
			writeError(w, err)
			return
		}
		requestType = c.RequestType
	}

	run, err := s.svc.Runner.Run(r.Context(), caseID, requestType, req.Facts)
	if err != nil {
		var ute *resilience.UpstreamTimeoutError
		if errors.As(err, &ute) && run != nil {
			writeJSON(w, http.StatusGatewayTimeout, struct {
				errorBody
				Run runView `json:"run"`
			}{errorBody{Error: err.Error(), Code: "UPSTREAM_TIMEOUT"}, viewOfRun(run)})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOfRun(run))
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	outcome := model.FailedOutcome(req.Reason)
	if req.Status == model.RunStatusSuccess {
		outcome = model.SuccessOutcome(req.LineItems, req.Totals, req.Currency, req.RawResponse)
	}
	run, err := s.svc.Runs.CompleteRun(r.Context(), chi.URLParam(r, "runID"), outcome)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOfRun(run))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.Runs.ListRuns(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for i := range runs {
		out = append(out, viewOfRun(&runs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Runs.LatestSuccessful(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOfRun(run))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOfRun(run))
}
