package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"llamactx/internal/engine"
	"llamactx/internal/manager"
	"llamactx/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps manager and engine errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case manager.IsInvalidArgument(err):
		return http.StatusBadRequest
	case manager.IsContextNotFound(err):
		return http.StatusNotFound
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case engine.IsContextLimit(err):
		return http.StatusConflict
	case manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case engine.IsUnsupported(err):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status and returns that status.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	writeJSONError(w, status, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
