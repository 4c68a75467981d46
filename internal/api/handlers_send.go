package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/send"
)

func (s *Server) createDraft(w http.ResponseWriter, r *http.Request) {
	var req send.NewDraft
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.svc.Send.CreateDraft(r.Context(), chi.URLParam(r, "caseID"), Caller(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Send.GetDraft(r.Context(), chi.URLParam(r, "draftID"), Caller(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type sendFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// send delivers a quotation. Replays of an already sent draft answer 200
// with idempotent set.
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req send.Request
	if err := s.decode(w, r, &req); err != nil {
		writeSendFailure(w, err)
		return
	}
	res, err := s.svc.Send.Send(r.Context(), req, Caller(r.Context()))
	if err != nil {
		writeSendFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeSendFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("api: send failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, sendFailure{Error: msg, Code: code})
}
