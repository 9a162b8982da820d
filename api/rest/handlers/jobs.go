package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"finetune-core/core/jobs"
	"finetune-core/core/models"
	"finetune-core/core/monitoring"
	"finetune-core/core/spec"
)

// MaxSpecBytes bounds the size of a job creation body.
const MaxSpecBytes = 1 << 20

// JobHandler handles fine-tuning job requests
type JobHandler struct {
	manager *jobs.Manager
	costs   *monitoring.CostTracker
}

// NewJobHandler creates a new job handler
func NewJobHandler(manager *jobs.Manager, costs *monitoring.CostTracker) *JobHandler {
	return &JobHandler{manager: manager, costs: costs}
}

// JobResponse is the public representation of a job
type JobResponse struct {
	ID              string                         `json:"id"`
	Name            string                         `json:"name"`
	BaseModel       string                         `json:"base_model"`
	Dataset         string                         `json:"dataset"`
	Type            models.JobType                 `json:"type"`
	Provider        models.Provider                `json:"provider"`
	Status          models.JobStatus               `json:"status"`
	Parameters      models.JobParameters           `json:"parameters"`
	CurrentStep     int                            `json:"current_step"`
	TotalSteps      int                            `json:"total_steps"`
	CurrentEpoch    int                            `json:"current_epoch"`
	TotalEpochs     int                            `json:"total_epochs"`
	NumTokens       int64                          `json:"num_tokens"`
	Timestamps      map[models.JobStatus]time.Time `json:"timestamps"`
	ReservedAmount  string                         `json:"reserved_amount"`
	EstimatedCost   *string                        `json:"estimated_cost,omitempty"`
	Settlement      models.SettlementStatus        `json:"settlement_status,omitempty"`
	SettlementError string                         `json:"settlement_error,omitempty"`
	CreatedAt       time.Time                      `json:"created_at"`
	UpdatedAt       time.Time                      `json:"updated_at"`
}

func (h *JobHandler) toResponse(job *models.FineTuningJob) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		Name:            job.Name,
		BaseModel:       job.BaseModel,
		Dataset:         job.Dataset,
		Type:            job.Type,
		Provider:        job.Provider,
		Status:          job.Status,
		Parameters:      job.Parameters,
		CurrentStep:     job.CurrentStep,
		TotalSteps:      job.TotalSteps,
		CurrentEpoch:    job.CurrentEpoch,
		TotalEpochs:     job.TotalEpochs,
		NumTokens:       job.NumTokens,
		Timestamps:      job.Timestamps,
		ReservedAmount:  formatCredits(job.ReservedAmount),
		Settlement:      job.Settlement,
		SettlementError: job.SettlementError,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if h.costs != nil {
		if est := h.costs.RunningCost(job); est != nil {
			s := formatCredits(*est)
			resp.EstimatedCost = &s
		}
	}
	return resp
}

// AdmissionFailure is returned when the job was created but the scheduler
// rejected it
type AdmissionFailure struct {
	Error string      `json:"error"`
	Job   JobResponse `json:"job"`
}

// CreateJob handles POST /v1/fine-tuning
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxSpecBytes))
	if err != nil {
		badRequest(w, r, "failed to read body: %v", err)
		return
	}

	req, err := spec.ParseJobSpec(body, spec.FormatFromContentType(r.Header.Get("Content-Type")))
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.manager.Create(r.Context(), ownerFrom(r), req)
	if err != nil {
		if job != nil {
			writeJSON(w, statusFor(err), AdmissionFailure{Error: err.Error(), Job: h.toResponse(job)})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toResponse(job))
}

// ListJobs handles GET /v1/fine-tuning
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	list, total, err := h.manager.List(r.Context(), ownerFrom(r), page)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]JobResponse, len(list))
	for i, job := range list {
		items[i] = h.toResponse(job)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       items,
		"pagination": newPagination(page, total),
	})
}

// GetJob handles GET /v1/fine-tuning/{name}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Get(r.Context(), ownerFrom(r), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(job))
}

// CancelJob handles POST /v1/fine-tuning/{name}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Cancel(r.Context(), ownerFrom(r), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(job))
}

// EventResponse is one entry of a job's transition log
type EventResponse struct {
	At         time.Time              `json:"at"`
	FromStatus *models.JobStatus      `json:"from_status,omitempty"`
	ToStatus   models.JobStatus       `json:"to_status"`
	Reason     string                 `json:"reason"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// GetJobEvents handles GET /v1/fine-tuning/{name}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.manager.Events(r.Context(), ownerFrom(r), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]EventResponse, len(events))
	for i, e := range events {
		items[i] = EventResponse{At: e.At, FromStatus: e.FromStatus, ToStatus: e.ToStatus, Reason: e.Reason, Meta: e.Meta}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": items})
}

func formatCredits(d decimal.Decimal) string {
	return d.StringFixed(models.CreditScale)
}
