package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"finetune-core/core/jobs"
	"finetune-core/core/models"
)

// CallbackHandler receives status reports from the compute scheduler
type CallbackHandler struct {
	manager *jobs.Manager
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(manager *jobs.Manager) *CallbackHandler {
	return &CallbackHandler{manager: manager}
}

// CallbackResponse acknowledges a status report
type CallbackResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Outcome jobs.Outcome     `json:"outcome"`
}

// StatusCallback handles POST /v1/internal/scheduler/callbacks
func (h *CallbackHandler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	var cb models.StatusCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		badRequest(w, r, "invalid callback body: %v", err)
		return
	}
	cb.Status = models.JobStatus(strings.ToUpper(string(cb.Status)))

	res, err := h.manager.ApplyStatusCallback(r.Context(), cb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CallbackResponse{JobID: res.Job.ID, Status: res.Job.Status, Outcome: res.Outcome})
}
