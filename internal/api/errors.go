package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/sdk-batch-processor/internal/errors"
	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/service"
	"github.com/sdk-batch-processor/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Success   bool                   `json:"success"`
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// DataResponse wraps a successful payload
type DataResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	writeServiceError(w, statusCode, &types.ServiceError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func writeServiceError(w http.ResponseWriter, statusCode int, se *types.ServiceError) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:     se.Message,
		Code:      se.Code,
		Retryable: se.Retryable,
		Details:   se.Details,
	})
}

// respondProcessingError maps a service failure to its status code and body
func respondProcessingError(w http.ResponseWriter, r *http.Request, err error) {
	if stderrors.Is(err, service.ErrNotClaimed) {
		respondError(w, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
		return
	}

	var pe *errors.ProcessingError
	if !stderrors.As(err, &pe) {
		logging.FromContext(r.Context()).WithError(err).Error("unclassified service error")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}

	status := pe.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(pe).Warn("submission failed")
	}
	se := pe.ToServiceError()
	if pe.Kind == errors.KindInternal {
		se.Message = "An internal error occurred"
	}
	writeServiceError(w, status, se)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
