package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/quote-desk/internal/gaps"
	"github.com/sells-group/quote-desk/internal/model"
)

func (s *Server) openGap(w http.ResponseWriter, r *http.Request) {
	var req gaps.NewGap
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := s.svc.Gaps.OpenGap(r.Context(), chi.URLParam(r, "caseID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) resolveGap(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.Gaps.ResolveGap(r.Context(), chi.URLParam(r, "gapID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) listGaps(w http.ResponseWriter, r *http.Request) {
	openOnly := false
	if v := r.URL.Query().Get("open"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, &model.ValidationError{Field: "open", Message: "must be a boolean"})
			return
		}
		openOnly = b
	}
	list, err := s.svc.Gaps.List(r.Context(), chi.URLParam(r, "caseID"), openOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.Gap{}
	}
	writeJSON(w, http.StatusOK, list)
}

type readinessResponse struct {
	Ready        bool        `json:"ready"`
	BlockingGaps []model.Gap `json:"blocking_gaps"`
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	blocking, err := s.svc.Gaps.ListBlocking(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if blocking == nil {
		blocking = []model.Gap{}
	}
	writeJSON(w, http.StatusOK, readinessResponse{Ready: len(blocking) == 0, BlockingGaps: blocking})
}
