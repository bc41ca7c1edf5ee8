package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sdk-batch-processor/internal/logging"
	"github.com/sdk-batch-processor/internal/storage"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

// handleListBatchRuns returns the most recent runs, newest first.
func (s *Server) handleListBatchRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a positive integer", nil)
			return
		}
		limit = min(parsed, maxRunLimit)
	}

	runs, err := s.batchRuns.ListRecent(r.Context(), limit)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("failed to list batch runs")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list batch runs", nil)
		return
	}

	respondJSON(w, http.StatusOK, DataResponse{Success: true, Data: runs})
}

// handleGetBatchRun returns one run for progress polling.
func (s *Server) handleGetBatchRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := s.batchRuns.GetByID(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Batch run not found", map[string]interface{}{"id": id})
			return
		}
		logging.FromContext(r.Context()).WithError(err).Error("failed to get batch run")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to get batch run", nil)
		return
	}

	respondJSON(w, http.StatusOK, DataResponse{Success: true, Data: run})
}
