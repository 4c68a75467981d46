package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-desk/internal/model"
)

type createVersionRequest struct {
	RunID    string          `json:"run_id" validate:"required"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.svc.Versions.CreateVersion(r.Context(), chi.URLParam(r, "caseID"), req.RunID, req.Snapshot, Caller(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Versions.List(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.QuotationVersion{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) selectedVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Versions.Selected(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Versions.Get(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) selectVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Versions.SelectVersion(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) finalizeVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Versions.Finalize(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// exportVersion renders the version as a spreadsheet and returns its
// download location.
func (s *Server) exportVersion(w http.ResponseWriter, r *http.Request) {
	if s.svc.Exporter == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "export is not configured", Code: "NOT_CONFIGURED"})
		return
	}
	v, err := s.svc.Versions.Get(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.Cases.Get(r.Context(), v.CaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	art, err := s.svc.Exporter.Export(c, v)
	if err != nil {
		writeError(w, eris.Wrap(err, "api: export version"))
		return
	}
	writeJSON(w, http.StatusCreated, art)
}
