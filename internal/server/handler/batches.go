package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/clearmesh/settler/internal/domain"
	"github.com/clearmesh/settler/internal/submit"
)

// BatchHandler serves batch outcomes and the operator recovery endpoint.
type BatchHandler struct {
	results     domain.ResultStore
	deadLetters domain.DeadLetterStore
	submitter   *submit.Submitter
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(results domain.ResultStore, deadLetters domain.DeadLetterStore, submitter *submit.Submitter) *BatchHandler {
	return &BatchHandler{
		results:     results,
		deadLetters: deadLetters,
		submitter:   submitter,
	}
}

// GetResult responds with the submission result for a batch.
// GET /api/batches/{id}
func (h *BatchHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	res, err := h.results.Get(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "no result for batch "+batchID)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// recoverRequest is the body of a recovery call.
type recoverRequest struct {
	Action string `json:"action"` // resubmit | split | deadletter
}

// Recover remediates a failed batch. The submitter queries sink-side state
// before any resubmission, so recovering an actually-settled batch corrects
// its record instead of settling twice.
// POST /api/batches/{id}/recover
func (h *BatchHandler) Recover(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.submitter.Recover(r.Context(), batchID, submit.RecoverAction(req.Action))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrNotRecoverable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListDeadLetters responds with recent dead-lettered batches.
// GET /api/deadletters
func (h *BatchHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	dls, err := h.deadLetters.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}

	writeJSON(w, http.StatusOK, dls)
}
