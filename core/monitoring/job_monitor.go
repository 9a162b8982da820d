package monitoring

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"finetune-core/core/jobs"
	"finetune-core/core/models"
	"finetune-core/core/repository"
)

const (
	DefaultReconcileInterval = time.Minute
	DefaultStoppingTimeout   = 10 * time.Minute
	DefaultAdmissionRetry    = 2 * time.Minute
	DefaultAdmissionTimeout  = time.Hour

	sweepBatch = 100
)

// MonitorConfig sets the sweep interval and how long jobs may wait in
// STOPPING or in an unacknowledged NEW before the sweep acts on them.
type MonitorConfig struct {
	Interval        time.Duration
	StoppingTimeout time.Duration
	// AdmissionRetry is the age after which an unacknowledged admission is resent
	AdmissionRetry time.Duration
	// AdmissionTimeout is the age after which it is given up and the job failed
	AdmissionTimeout time.Duration
}

// JobMonitor reconciles jobs the request path could not finish: terminal jobs
// whose settlement is pending or failed, NEW jobs the scheduler never
// acknowledged, and jobs stuck in STOPPING because the scheduler never
// confirmed a cancel.
type JobMonitor struct {
	store repository.Store
	jobs  *jobs.Manager
	cfg   MonitorConfig
	now   func() time.Time
	log   *log.Entry
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(store repository.Store, manager *jobs.Manager, cfg MonitorConfig) *JobMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.StoppingTimeout <= 0 {
		cfg.StoppingTimeout = DefaultStoppingTimeout
	}
	if cfg.AdmissionRetry <= 0 {
		cfg.AdmissionRetry = DefaultAdmissionRetry
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = DefaultAdmissionTimeout
	}
	return &JobMonitor{
		store: store,
		jobs:  manager,
		cfg:   cfg,
		now:   time.Now,
		log:   log.WithField("component", "job-monitor"),
	}
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Settled           int
	SettleFailures    int
	CancelsResent     int
	AdmissionsResent  int
	AdmissionsDropped int
}

// Start runs a sweep every interval until ctx is cancelled
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := jm.Sweep(ctx)
			if err != nil {
				jm.log.WithError(err).Warn("reconciliation sweep failed")
				continue
			}
			if *res != (SweepResult{}) {
				jm.log.WithFields(log.Fields{
					"settled":            res.Settled,
					"settle_failures":    res.SettleFailures,
					"cancels_resent":     res.CancelsResent,
					"admissions_resent":  res.AdmissionsResent,
					"admissions_dropped": res.AdmissionsDropped,
				}).Info("reconciliation sweep done")
			}
		}
	}
}

// Sweep resends or gives up unacknowledged admissions, settles unsettled
// terminal jobs and re-sends cancels for jobs stuck in STOPPING.
func (jm *JobMonitor) Sweep(ctx context.Context) (*SweepResult, error) {
	now := jm.now()
	var unadmitted, unsettled, stuck []*models.FineTuningJob
	err := jm.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		if unadmitted, err = tx.ListUnadmittedJobs(ctx, now.Add(-jm.cfg.AdmissionRetry), sweepBatch); err != nil {
			return err
		}
		if unsettled, err = tx.ListUnsettledJobs(ctx, sweepBatch); err != nil {
			return err
		}
		stuck, err = tx.ListStaleJobs(ctx, models.JobStatusStopping, now.Add(-jm.cfg.StoppingTimeout), sweepBatch)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	for _, job := range unadmitted {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		entry := jm.log.WithFields(log.Fields{"job_id": job.ID, "created_at": job.CreatedAt})
		if job.CreatedAt.Before(now.Add(-jm.cfg.AdmissionTimeout)) {
			entry.Warn("admission never acknowledged, failing job")
			if _, err := jm.jobs.AbandonAdmission(ctx, job.ID); err != nil {
				entry.WithError(err).Warn("failed to abandon admission")
				continue
			}
			res.AdmissionsDropped++
			continue
		}
		entry.Info("admission not acknowledged, resending")
		if _, err := jm.jobs.Readmit(ctx, job.ID); err != nil {
			entry.WithError(err).Warn("failed to resend admission")
			continue
		}
		res.AdmissionsResent++
	}

	for _, job := range unsettled {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		settled, err := jm.jobs.Settle(ctx, job.ID)
		if err != nil || settled == nil || !settled.Settlement.Done() {
			res.SettleFailures++
			continue
		}
		res.Settled++
	}

	for _, job := range stuck {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		jm.log.WithFields(log.Fields{
			"job_id":         job.ID,
			"stopping_since": job.UpdatedAt,
		}).Warn("job stuck stopping, re-sending cancel")
		if _, err := jm.jobs.ResendCancel(ctx, job.ID); err != nil {
			jm.log.WithError(err).WithField("job_id", job.ID).Warn("failed to re-send cancel")
			continue
		}
		res.CancelsResent++
	}
	return res, nil
}
