package jobs

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/ledger"
	"finetune-core/core/metrics"
	"finetune-core/core/models"
	"finetune-core/core/pricing"
	"finetune-core/core/repository"
)

// Settle charges or refunds a terminal job and records the outcome in its
// settlement status. Settling twice is safe: ledger postings are keyed by the
// job id, and a settled job is returned unchanged.
//
// Failures that need an operator (missing pricing, insufficient balance) mark
// the settlement FAILED; transient failures leave it PENDING. Both are retried
// by the reconciler.
func (m *Manager) Settle(ctx context.Context, jobID string) (*models.FineTuningJob, error) {
	job, err := m.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "job %s is %s and cannot be settled", jobID, job.Status)
	}
	if job.Settlement.Done() {
		return job, nil
	}

	policy := m.cfg.Policy
	// A job admitted with a hold is settled against it whatever the current policy.
	if job.ReservedAmount.IsPositive() {
		policy = PolicyEscrow
	}
	entry := m.log.WithFields(log.Fields{"job_id": job.ID, "owner_id": job.OwnerID, "policy": policy})

	postings, usage, err := m.plan(job, policy)
	if err != nil {
		return m.settlementFailed(ctx, job, err)
	}

	if len(postings) == 0 && usage == nil {
		settled, err := m.markSettlement(ctx, job, models.SettlementNotRequired, "")
		if err != nil {
			return nil, err
		}
		metrics.Settlement("not_required")
		entry.Info("no settlement required")
		return settled, nil
	}

	var settled *models.FineTuningJob
	_, err = m.ledger.Post(ctx, job.OwnerID, postings, func(tx repository.Tx) error {
		if usage != nil {
			if _, err := tx.FindUsage(ctx, job.ID); errors.Is(err, models.ErrNotFound) {
				record := *usage
				if err := tx.InsertUsage(ctx, &record); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
		var err error
		settled, err = setSettlement(ctx, tx, job.ID, models.SettlementSettled, "")
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrTransientConflict), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		metrics.Settlement("retry")
		entry.WithError(err).Warn("settlement interrupted, left pending")
		return nil, err
	default:
		return m.settlementFailed(ctx, job, err)
	}

	metrics.Settlement("settled")
	fields := log.Fields{"postings": len(postings)}
	if usage != nil {
		fields["cost"] = usage.Cost.StringFixed(models.CreditScale)
		fields["num_tokens"] = usage.UsageAmount
	}
	entry.WithFields(fields).Info("job settled")
	return settled, nil
}

// settleFinished settles a job that just reached a terminal status. Failures
// are logged by Settle and left to the reconciler.
func (m *Manager) settleFinished(ctx context.Context, job *models.FineTuningJob) *models.FineTuningJob {
	settled, err := m.Settle(ctx, job.ID)
	if settled != nil {
		return settled
	}
	if err != nil {
		m.log.WithError(err).WithField("job_id", job.ID).Warn("settlement deferred to reconciler")
	}
	return job
}

// plan returns the postings and usage record that settle job under policy.
func (m *Manager) plan(job *models.FineTuningJob, policy Policy) ([]ledger.Posting, *models.UsageRecord, error) {
	jobID := job.ID
	reserved := models.RoundCredits(job.ReservedAmount)
	if policy != PolicyEscrow {
		reserved = decimal.Zero
	}

	if job.Status != models.JobStatusCompleted {
		if !reserved.IsPositive() {
			return nil, nil, nil
		}
		return []ledger.Posting{{
			OwnerID:       job.OwnerID,
			TransactionID: jobID + refundSuffix,
			Delta:         reserved,
			Type:          models.TxRefund,
			JobID:         &jobID,
		}}, nil, nil
	}

	cost, err := pricing.Cost(job.Type, job.Provider, job.NumTokens, m.cfg.Pricing)
	if err != nil {
		return nil, nil, err
	}
	usage := &models.UsageRecord{
		OwnerID:     job.OwnerID,
		ServiceName: models.ServiceFineTuningJob,
		UsageAmount: job.NumTokens,
		UsageUnit:   models.UsageUnitToken,
		Cost:        cost,
		JobID:       jobID,
	}

	diff := cost.Sub(reserved)
	if diff.IsNegative() {
		return []ledger.Posting{{
			OwnerID:       job.OwnerID,
			TransactionID: jobID + refundSuffix,
			Delta:         diff.Neg(),
			Type:          models.TxRefund,
			JobID:         &jobID,
		}}, usage, nil
	}
	return []ledger.Posting{{
		OwnerID:       job.OwnerID,
		TransactionID: jobID,
		Delta:         diff.Neg(),
		Type:          models.TxFineTuningJob,
		JobID:         &jobID,
	}}, usage, nil
}

func (m *Manager) settlementFailed(
	ctx context.Context, job *models.FineTuningJob, cause error,
) (*models.FineTuningJob, error) {
	metrics.Settlement("failed")
	m.log.WithError(cause).WithFields(log.Fields{
		"job_id":   job.ID,
		"owner_id": job.OwnerID,
	}).Error("settlement failed, flagged for reconciliation")

	failed, err := m.markSettlement(ctx, job, models.SettlementFailed, cause.Error())
	if err != nil {
		m.log.WithError(err).WithField("job_id", job.ID).Error("failed to record settlement failure")
		return nil, cause
	}
	return failed, cause
}

func (m *Manager) markSettlement(
	ctx context.Context, job *models.FineTuningJob, status models.SettlementStatus, reason string,
) (*models.FineTuningJob, error) {
	var out *models.FineTuningJob
	err := m.store.WithOwnerLock(ctx, job.OwnerID, func(tx repository.Tx) error {
		var err error
		out, err = setSettlement(ctx, tx, job.ID, status, reason)
		return err
	})
	return out, err
}

// setSettlement must run under the owner lock so it cannot race another
// settlement of the same job.
func setSettlement(
	ctx context.Context, tx repository.Tx, jobID string, status models.SettlementStatus, reason string,
) (*models.FineTuningJob, error) {
	job, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Settlement.Done() {
		return job, nil
	}
	if job.Settlement == status && job.SettlementError == reason {
		return job, nil
	}

	next := job.Clone()
	next.Settlement = status
	next.SettlementError = reason
	if err := tx.CompareAndSwapJob(ctx, next, job.Status, job.Version); err != nil {
		return nil, err
	}
	return next, nil
}
