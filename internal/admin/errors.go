package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"supertask/internal/crontab"
	"supertask/internal/job"
	"supertask/internal/jobstore"
	logx "supertask/pkg/logx"
)

var errConflict = errors.New("job already exists")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// badRequest marks client input errors that have no domain type.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) (int, string) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, "invalid_request"
	case crontab.IsInvalid(err):
		return http.StatusBadRequest, "invalid_schedule"
	case errors.Is(err, crontab.ErrInvalidTimezone):
		return http.StatusBadRequest, "invalid_timezone"
	case errors.Is(err, job.ErrIDMissing):
		return http.StatusBadRequest, "invalid_request"
	case job.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errConflict):
		return http.StatusConflict, "conflict"
	case jobstore.IsUnavailable(err), errors.Is(err, jobstore.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("admin request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Err(err),
		)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}
