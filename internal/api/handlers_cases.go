package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/quote-desk/internal/gaps"
	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/store"
)

type openCaseRequest struct {
	ThreadRef string         `json:"thread_ref" validate:"required,max=512"`
	Priority  model.Priority `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type classifyRequest struct {
	RequestType string         `json:"request_type" validate:"required,max=64"`
	Priority    model.Priority `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type completenessRequest struct {
	Score *float64 `json:"score" validate:"required"`
}

type sourcesRequest struct {
	SourceIDs []string `json:"source_ids" validate:"required,min=1,dive,required"`
	Force     bool     `json:"force"`
}

func (s *Server) openCase(w http.ResponseWriter, r *http.Request) {
	var req openCaseRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, created, err := s.svc.Cases.Open(r.Context(), req.ThreadRef, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, c)
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CaseFilter{
		Status:    model.CaseStatus(q.Get("status")),
		ThreadRef: q.Get("thread_ref"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, &model.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, &model.ValidationError{Field: "offset", Message: "must be a non-negative integer"})
			return
		}
		filter.Offset = n
	}

	list, err := s.svc.Cases.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.QuoteCase{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Cases.Get(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) classifyCase(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.Cases.ClassifyRFQ(r.Context(), chi.URLParam(r, "caseID"), req.RequestType, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) openReview(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Cases.OpenReview(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) archiveCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Cases.Archive(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) recordCompleteness(w http.ResponseWriter, r *http.Request) {
	var req completenessRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.Gaps.RecordCompleteness(r.Context(), chi.URLParam(r, "caseID"), *req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) checkReanalysis(w http.ResponseWriter, r *http.Request) {
	var req sourcesRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	check, err := s.svc.Gaps.CheckReanalysis(r.Context(), chi.URLParam(r, "caseID"), req.SourceIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type analysisResponse struct {
	Recorded    bool                  `json:"recorded"`
	Fingerprint string                `json:"fingerprint,omitempty"`
	Check       *gaps.ReanalysisCheck `json:"check"`
}

// recordAnalysis stores the analysed source set. An unchanged set is only
// recorded again when the caller forces it.
func (s *Server) recordAnalysis(w http.ResponseWriter, r *http.Request) {
	var req sourcesRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "caseID")
	check, err := s.svc.Gaps.CheckReanalysis(r.Context(), caseID, req.SourceIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	if check.Unchanged && !req.Force {
		writeJSON(w, http.StatusOK, analysisResponse{Check: check})
		return
	}
	fp, err := s.svc.Gaps.RecordAnalysis(r.Context(), caseID, req.SourceIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{Recorded: true, Fingerprint: fp, Check: check})
}
