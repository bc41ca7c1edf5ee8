package api

import (
	"context"
	"net/http"

	"github.com/sdk-batch-processor/internal/service"
)

// SubmitRequest is the POST /api/submit body
type SubmitRequest struct {
	TransactionHash string `json:"transaction_hash"`
}

// handleSubmit queues a transaction and processes it immediately.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if req.TransactionHash == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "transaction_hash is required", nil)
		return
	}
	if _, err := service.NormalizeHash(req.TransactionHash); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "transaction_hash must be a 0x-prefixed 32-byte hex string", nil)
		return
	}

	ctx := r.Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	result, err := s.submitService.Submit(ctx, req.TransactionHash)
	if err != nil {
		respondProcessingError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, DataResponse{Success: true, Data: result})
}

// handleSubmissionStatus reports whether a hash is processed and where it sits in the queue.
func (s *Server) handleSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("transaction_hash")
	if hash == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "transaction_hash query parameter is required", nil)
		return
	}
	if _, err := service.NormalizeHash(hash); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "transaction_hash must be a 0x-prefixed 32-byte hex string", nil)
		return
	}

	status, err := s.submitService.Status(r.Context(), hash)
	if err != nil {
		respondProcessingError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}
