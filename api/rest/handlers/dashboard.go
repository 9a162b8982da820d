package handlers

import (
	"net/http"
	"time"

	"finetune-core/core/models"
	"finetune-core/core/monitoring"
)

// DashboardHandler serves the caller's usage and spend
type DashboardHandler struct {
	costs *monitoring.CostTracker
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(costs *monitoring.CostTracker) *DashboardHandler {
	return &DashboardHandler{costs: costs}
}

// UsageResponse is one settled job's usage
type UsageResponse struct {
	ID          string             `json:"id"`
	JobID       string             `json:"fine_tuning_job_id"`
	ServiceName models.ServiceName `json:"service_name"`
	UsageAmount int64              `json:"usage_amount"`
	UsageUnit   models.UsageUnit   `json:"usage_unit"`
	Cost        string             `json:"cost"`
	CreatedAt   time.Time          `json:"created_at"`
}

// GetUsage handles GET /v1/usage
func (h *DashboardHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	tr, err := parseDateRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := h.costs.Usage(r.Context(), ownerFrom(r), tr)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]UsageResponse, len(summary.Records))
	for i, rec := range summary.Records {
		items[i] = UsageResponse{
			ID:          rec.ID,
			JobID:       rec.JobID,
			ServiceName: rec.ServiceName,
			UsageAmount: rec.UsageAmount,
			UsageUnit:   rec.UsageUnit,
			Cost:        formatCredits(rec.Cost),
			CreatedAt:   rec.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": items,
		"totals": map[string]interface{}{
			"usage_amount": summary.TotalTokens,
			"cost":         formatCredits(summary.TotalCost),
		},
	})
}
