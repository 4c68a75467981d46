package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/resilience"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a service error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var (
		gv  *model.GuardViolationError
		cr  *model.ConcurrentRunError
		nf  *model.NotFoundError
		inv *model.InvariantError
		ve  *model.ValidationError
		ute *resilience.UpstreamTimeoutError
	)
	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		return http.StatusUnauthorized, "NOT_AUTHENTICATED"
	case errors.As(err, &gv):
		return http.StatusConflict, "GUARD_VIOLATION"
	case errors.As(err, &cr):
		return http.StatusConflict, "CONCURRENT_RUN"
	case errors.As(err, &inv):
		return http.StatusConflict, "INVARIANT_VIOLATION"
	case errors.As(err, &nf):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &ve):
		return http.StatusBadRequest, "VALIDATION"
	case errors.As(err, &ute):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
	case resilience.IsTransient(err):
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("api: internal error", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
