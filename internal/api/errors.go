package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alecgard/pipewatch/internal/credential"
	"github.com/alecgard/pipewatch/internal/monitor"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v any) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeDomainError maps package sentinels to HTTP responses. Anything
// unrecognised is a 500 with a generic message.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, credential.ErrQuotaExhausted):
		w.Header().Set("Retry-After", "3600")
		writeError(w, http.StatusServiceUnavailable, "quota_exhausted", "no credential has quota left")
	case errors.Is(err, credential.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "not_found", "credential not found")
	case errors.Is(err, credential.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "reservation not found or already settled")
	case errors.Is(err, credential.ErrDuplicateSecret):
		writeError(w, http.StatusConflict, "conflict", "secret already registered")
	case errors.Is(err, credential.ErrInvalidCredential), errors.Is(err, monitor.ErrInvalidSchedule):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
	case errors.Is(err, monitor.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}
