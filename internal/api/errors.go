package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/appstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/guardrail"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
)

// Error codes for consistent error identification.
const (
	ErrCodeAuthRequired   = "auth_required"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeValidation     = "validation_failed"
	ErrCodeGuardrail      = "guardrail_violation"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ErrCodeAuthRequired
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusUnprocessableEntity:
		return ErrCodeValidation
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// statusForError maps domain errors onto HTTP statuses.
func statusForError(err error) int {
	var flowErr *validator.FlowError
	var violation *guardrail.Violation
	switch {
	case errors.As(err, &flowErr), errors.As(err, &violation), errors.Is(err, registry.ErrInvalidAgent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, appstore.ErrAppNotFound),
		errors.Is(err, runstore.ErrExecutionNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, dataflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, appstore.ErrAppExists),
		errors.Is(err, registry.ErrAgentExists),
		errors.Is(err, runstore.ErrTerminal),
		errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
