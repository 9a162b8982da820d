// Package jobs implements the fine-tuning job lifecycle: admission, scheduler
// status callbacks, cancellation and settlement against the credit ledger.
package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/gateway"
	"finetune-core/core/ledger"
	"finetune-core/core/models"
	"finetune-core/core/pricing"
	"finetune-core/core/repository"
	"finetune-core/core/spec"
)

// Policy decides whether admission moves money.
type Policy string

const (
	// PolicyAdvisory only checks the balance at admission and charges the
	// full cost at settlement.
	PolicyAdvisory Policy = "advisory"
	// PolicyEscrow posts a hold of the minimum credits at admission and
	// settles the difference.
	PolicyEscrow Policy = "escrow"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyAdvisory || p == PolicyEscrow
}

const (
	// DefaultEventLimit caps the events returned for one job.
	DefaultEventLimit = 500

	holdSuffix   = ":hold"
	refundSuffix = ":refund"

	admissionTimeout = 2 * time.Minute
)

// Config holds the job manager settings
type Config struct {
	Policy     Policy
	MinCredits decimal.Decimal
	Pricing    *pricing.Table
	Catalog    *spec.Catalog
}

// Manager runs the job state machine
type Manager struct {
	store   repository.Store
	ledger  *ledger.Ledger
	gateway gateway.Gateway
	cfg     Config
	now     func() time.Time
	log     *log.Entry
}

// NewManager creates a job manager
func NewManager(store repository.Store, l *ledger.Ledger, gw gateway.Gateway, cfg Config) *Manager {
	if cfg.Policy == "" {
		cfg.Policy = PolicyAdvisory
	}
	return &Manager{
		store:   store,
		ledger:  l,
		gateway: gw,
		cfg:     cfg,
		now:     time.Now,
		log:     log.WithField("component", "jobs"),
	}
}

// Create admits a new job for ownerID. The balance check, the job row, its
// creation event and the escrow hold commit together or not at all. The
// admission request is sent after the commit and outlives a cancelled ctx. If
// the scheduler rejects it the job is failed, settled and returned along with
// ErrSchedulerUnavailable. If the outcome is unknown the job stays NEW and the
// reconciler repeats the request.
func (m *Manager) Create(ctx context.Context, ownerID string, job *models.FineTuningJob) (*models.FineTuningJob, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "owner id is required")
	}
	if job == nil {
		return nil, errors.Wrap(models.ErrInvalidArgument, "job is required")
	}
	if err := m.cfg.Catalog.Check(job.BaseModel, job.Type); err != nil {
		return nil, err
	}

	job = job.Clone()
	job.ID = uuid.New().String()
	job.OwnerID = ownerID
	job.Status = models.JobStatusNew
	job.Timestamps = map[models.JobStatus]time.Time{models.JobStatusNew: m.now().UTC()}
	job.CurrentStep, job.CurrentEpoch, job.NumTokens = 0, 0, 0
	job.ReservedAmount = decimal.Zero
	job.Settlement = models.SettlementNone
	job.SettlementError = ""
	job.AdmittedAt = nil

	minimum := models.RoundCredits(m.cfg.MinCredits)
	var hold *ledger.Posting
	if m.cfg.Policy == PolicyEscrow && minimum.IsPositive() {
		jobID := job.ID
		hold = &ledger.Posting{
			OwnerID:       ownerID,
			TransactionID: jobID + holdSuffix,
			Delta:         minimum.Neg(),
			Type:          models.TxFineTuningJob,
			JobID:         &jobID,
		}
		job.ReservedAmount = minimum
	}

	var created *models.FineTuningJob
	_, err := m.ledger.Admit(ctx, ownerID, minimum, hold, func(tx repository.Tx) error {
		created = job.Clone()
		if err := tx.InsertJob(ctx, created); err != nil {
			return err
		}
		return tx.InsertJobEvent(ctx, &models.JobEvent{
			JobID:    created.ID,
			At:       created.Timestamps[models.JobStatusNew],
			ToStatus: models.JobStatusNew,
			Reason:   models.ReasonJobCreated,
			Meta: map[string]interface{}{
				"policy":          string(m.cfg.Policy),
				"reserved_amount": created.ReservedAmount.StringFixed(models.CreditScale),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(log.Fields{"job_id": created.ID, "owner_id": ownerID, "name": created.Name}).Info("job created")

	admitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), admissionTimeout)
	defer cancel()
	return m.admit(admitCtx, created)
}

// Readmit repeats the admission request of a NEW job the scheduler never
// acknowledged. The job id makes the request idempotent on the scheduler side.
func (m *Manager) Readmit(ctx context.Context, jobID string) (*models.FineTuningJob, error) {
	job, err := m.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusNew || job.AdmittedAt != nil {
		return job, nil
	}
	return m.admit(ctx, job)
}

// AbandonAdmission fails a NEW job whose admission was never acknowledged and
// settles it, releasing any escrow hold.
func (m *Manager) AbandonAdmission(ctx context.Context, jobID string) (*models.FineTuningJob, error) {
	res, err := m.transition(ctx, jobID, change{
		to:             models.JobStatusFailed,
		reason:         models.ReasonAdmissionTimeout,
		unadmittedOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeApplied {
		return m.settleFinished(ctx, res.Job), nil
	}
	return res.Job, nil
}

// admit sends the admission request of job. Only a definite rejection fails
// the job; any other error leaves it NEW for Readmit.
func (m *Manager) admit(ctx context.Context, job *models.FineTuningJob) (*models.FineTuningJob, error) {
	entry := m.log.WithField("job_id", job.ID)

	err := m.gateway.Admit(ctx, gateway.NewAdmissionRequest(job))
	if err == nil {
		admitted, err := m.markAdmitted(ctx, job.ID)
		if err != nil {
			entry.WithError(err).Warn("failed to record admission, the reconciler will resend it")
			return job, nil
		}
		return admitted, nil
	}

	if !errors.Is(err, models.ErrSchedulerRejected) {
		entry.WithError(err).Warn("admission not acknowledged, the reconciler will resend it")
		return job, nil
	}

	entry.WithError(err).Warn("scheduler rejected admission")
	err = errors.Wrapf(models.ErrSchedulerUnavailable, "%v", err)
	res, terr := m.transition(ctx, job.ID, change{
		to:             models.JobStatusFailed,
		reason:         models.ReasonAdmissionRejected,
		meta:           map[string]interface{}{"error": err.Error()},
		unadmittedOnly: true,
	})
	if terr != nil {
		entry.WithError(terr).Error("failed to mark rejected job as failed")
		return job, err
	}
	if res.Outcome == OutcomeApplied {
		return m.settleFinished(ctx, res.Job), err
	}
	return res.Job, err
}

// markAdmitted records the scheduler's acknowledgement on a job still in NEW.
func (m *Manager) markAdmitted(ctx context.Context, jobID string) (*models.FineTuningJob, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var job *models.FineTuningJob
		err := m.store.WithTx(ctx, func(tx repository.Tx) error {
			current, err := tx.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if current.Status != models.JobStatusNew || current.AdmittedAt != nil {
				job = current
				return nil
			}
			next := current.Clone()
			at := m.now().UTC()
			next.AdmittedAt = &at
			if err := tx.CompareAndSwapJob(ctx, next, current.Status, current.Version); err != nil {
				return err
			}
			job = next
			return nil
		})
		if errors.Is(err, models.ErrStaleWrite) {
			continue
		}
		return job, err
	}
	return nil, errors.Wrapf(models.ErrTransientConflict, "job %s kept changing", jobID)
}

// Get returns the owner's job by name.
func (m *Manager) Get(ctx context.Context, ownerID, name string) (*models.FineTuningJob, error) {
	var job *models.FineTuningJob
	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		job, err = tx.GetJobByName(ctx, ownerID, name)
		return err
	})
	return job, err
}

// GetByID returns a job by id.
func (m *Manager) GetByID(ctx context.Context, id string) (*models.FineTuningJob, error) {
	var job *models.FineTuningJob
	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		return err
	})
	return job, err
}

// List returns one page of the owner's jobs, newest first, and the total count.
func (m *Manager) List(ctx context.Context, ownerID string, page repository.Page) ([]*models.FineTuningJob, int, error) {
	var jobs []*models.FineTuningJob
	var total int
	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		jobs, total, err = tx.ListJobs(ctx, ownerID, page)
		return err
	})
	return jobs, total, err
}

// Events returns the transition log of the owner's job, oldest first.
func (m *Manager) Events(ctx context.Context, ownerID, name string) ([]models.JobEvent, error) {
	var events []models.JobEvent
	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		job, err := tx.GetJobByName(ctx, ownerID, name)
		if err != nil {
			return err
		}
		events, err = tx.ListJobEvents(ctx, job.ID, DefaultEventLimit)
		return err
	})
	return events, err
}
