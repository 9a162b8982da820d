package monitoring

import (
	"context"

	"github.com/shopspring/decimal"

	"finetune-core/core/models"
	"finetune-core/core/pricing"
	"finetune-core/core/repository"
)

// CostTracker reports what owners have been charged and what their running
// jobs have cost so far
type CostTracker struct {
	store   repository.Store
	pricing *pricing.Table
}

// UsageSummary is an owner's settled usage over a time range
type UsageSummary struct {
	Records     []models.UsageRecord
	TotalTokens int64
	TotalCost   decimal.Decimal
}

// NewCostTracker creates a new cost tracker
func NewCostTracker(store repository.Store, table *pricing.Table) *CostTracker {
	return &CostTracker{store: store, pricing: table}
}

// Usage returns the owner's usage records created in r and their totals.
func (ct *CostTracker) Usage(ctx context.Context, ownerID string, r repository.TimeRange) (*UsageSummary, error) {
	var records []models.UsageRecord
	err := ct.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		records, err = tx.ListUsage(ctx, ownerID, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{Records: records, TotalCost: decimal.Zero}
	for _, rec := range records {
		summary.TotalTokens += rec.UsageAmount
		summary.TotalCost = summary.TotalCost.Add(rec.Cost)
	}
	return summary, nil
}

// RunningCost estimates the cost of a RUNNING job from the tokens reported so
// far. Other jobs report nil: settled jobs have a usage record and jobs that
// haven't started have no cost.
func (ct *CostTracker) RunningCost(job *models.FineTuningJob) *decimal.Decimal {
	if job.Status != models.JobStatusRunning {
		return nil
	}
	cost, err := pricing.Cost(job.Type, job.Provider, job.NumTokens, ct.pricing)
	if err != nil {
		return nil
	}
	return &cost
}
