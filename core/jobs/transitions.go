package jobs

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/gateway"
	"finetune-core/core/metrics"
	"finetune-core/core/models"
	"finetune-core/core/repository"
)

const maxCASAttempts = 5

// Outcome describes what a status change did
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeProgressUpdated Outcome = "progress_updated"
	OutcomeAlreadyApplied  Outcome = "already_applied"
	OutcomeAlreadyTerminal Outcome = "already_terminal"
)

// Result is the job after a status change and what the change did
type Result struct {
	Job     *models.FineTuningJob
	Outcome Outcome
}

type change struct {
	to       models.JobStatus
	progress models.Progress
	reason   string
	meta     map[string]interface{}
	// unadmittedOnly skips jobs the scheduler has acknowledged
	unadmittedOnly bool
}

// ApplyStatusCallback applies a scheduler status report. Illegal moves fail
// with ErrInvalidTransition and progress regressions with ErrInvalidProgress;
// neither changes the job. Reports for terminal jobs change nothing and return
// OutcomeAlreadyTerminal. A job entering a terminal status is settled after the
// transition commits.
func (m *Manager) ApplyStatusCallback(ctx context.Context, cb models.StatusCallback) (*Result, error) {
	if cb.JobID == "" {
		return nil, errors.Wrap(models.ErrInvalidArgument, "callback without job id")
	}
	if !cb.Status.Valid() {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "callback with unknown status %q", cb.Status)
	}

	ch := change{to: cb.Status, progress: cb.Progress(), reason: models.ReasonSchedulerCallback}
	if cb.Reason != "" {
		ch.meta = map[string]interface{}{"scheduler_reason": cb.Reason}
	}

	res, err := m.transition(ctx, cb.JobID, ch)
	switch {
	case errors.Is(err, models.ErrInvalidTransition):
		metrics.CallbackRejected("invalid_transition")
		return nil, err
	case errors.Is(err, models.ErrInvalidProgress):
		metrics.CallbackRejected("invalid_progress")
		return nil, err
	case errors.Is(err, models.ErrNotFound):
		metrics.CallbackRejected("not_found")
		return nil, err
	case err != nil:
		return nil, err
	}

	if res.Outcome == OutcomeApplied && res.Job.Status.Terminal() {
		res.Job = m.settleFinished(ctx, res.Job)
	}
	return res, nil
}

// Cancel stops the owner's job. The job moves to STOPPING and the scheduler is
// asked to stop it; STOPPED is applied when the scheduler confirms. Cancelling
// a terminal job is a no-op and cancelling a STOPPING job re-sends the request.
func (m *Manager) Cancel(ctx context.Context, ownerID, name string) (*models.FineTuningJob, error) {
	job, err := m.Get(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}

	entry := m.log.WithFields(log.Fields{"job_id": job.ID, "owner_id": ownerID})
	switch {
	case job.Status.Terminal():
		entry.WithField("status", job.Status).Info("cancel of finished job ignored")
		return job, nil
	case job.Status == models.JobStatusStopping:
		return m.sendCancel(ctx, job)
	}

	res, err := m.transition(ctx, job.ID, change{to: models.JobStatusStopping, reason: models.ReasonUserCancelled})
	if err != nil {
		return nil, err
	}
	if res.Job.Status != models.JobStatusStopping {
		return res.Job, nil
	}
	entry.Info("job stopping")
	return m.sendCancel(ctx, res.Job)
}

// ResendCancel repeats the cancel request of a job stuck in STOPPING.
func (m *Manager) ResendCancel(ctx context.Context, jobID string) (*models.FineTuningJob, error) {
	job, err := m.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusStopping {
		return job, nil
	}
	return m.sendCancel(ctx, job)
}

// sendCancel runs outside any transaction. A failed request leaves the job in
// STOPPING for the reconciler.
func (m *Manager) sendCancel(ctx context.Context, job *models.FineTuningJob) (*models.FineTuningJob, error) {
	entry := m.log.WithField("job_id", job.ID)

	confirmed, err := m.gateway.Cancel(ctx, gateway.NewCancelRequest(job))
	if err != nil {
		entry.WithError(err).Warn("cancel request failed, job stays stopping")
		return job, nil
	}
	if !confirmed {
		return job, nil
	}

	res, err := m.transition(ctx, job.ID, change{to: models.JobStatusStopped, reason: models.ReasonCancelConfirmed})
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeApplied {
		return m.settleFinished(ctx, res.Job), nil
	}
	return res.Job, nil
}

// transition applies ch with compare-and-swap on the job's status and version,
// re-reading and re-validating after a lost race.
func (m *Manager) transition(ctx context.Context, jobID string, ch change) (*Result, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var res *Result
		err := m.store.WithTx(ctx, func(tx repository.Tx) error {
			job, err := tx.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			res, err = m.apply(ctx, tx, job, ch, attempt > 0)
			return err
		})
		if errors.Is(err, models.ErrStaleWrite) {
			m.log.WithFields(log.Fields{"job_id": jobID, "attempt": attempt + 1}).Debug("job changed concurrently, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, errors.Wrapf(models.ErrTransientConflict, "job %s kept changing", jobID)
}

func (m *Manager) apply(
	ctx context.Context, tx repository.Tx, job *models.FineTuningJob, ch change, retried bool,
) (*Result, error) {
	entry := m.log.WithFields(log.Fields{"job_id": job.ID, "current": job.Status, "reported": ch.to})

	if job.Status.Terminal() {
		entry.Info("status report for finished job ignored")
		return &Result{Job: job, Outcome: OutcomeAlreadyTerminal}, nil
	}

	if ch.unadmittedOnly && job.AdmittedAt != nil {
		entry.Debug("job was admitted meanwhile, leaving it")
		return &Result{Job: job, Outcome: OutcomeAlreadyApplied}, nil
	}

	if ch.to == job.Status {
		if ch.progress.Empty() {
			return &Result{Job: job, Outcome: OutcomeAlreadyApplied}, nil
		}
		if job.Status != models.JobStatusRunning {
			entry.Warn("progress outside RUNNING dropped")
			return &Result{Job: job, Outcome: OutcomeAlreadyApplied}, nil
		}
		next := job.Clone()
		changed, err := applyProgress(next, ch.progress)
		if err != nil {
			entry.WithError(err).Warn("progress regression rejected")
			return nil, err
		}
		if !changed {
			return &Result{Job: job, Outcome: OutcomeAlreadyApplied}, nil
		}
		if err := tx.CompareAndSwapJob(ctx, next, job.Status, job.Version); err != nil {
			return nil, err
		}
		return &Result{Job: next, Outcome: OutcomeProgressUpdated}, nil
	}

	if retried && ch.to.IsAncestorOf(job.Status) {
		entry.Debug("job moved past the reported status while retrying")
		return &Result{Job: job, Outcome: OutcomeAlreadyApplied}, nil
	}

	if !job.Status.CanTransition(ch.to) {
		entry.Warn("invalid transition rejected")
		return nil, errors.Wrapf(models.ErrInvalidTransition, "%s -> %s", job.Status, ch.to)
	}

	next := job.Clone()
	if !ch.progress.Empty() {
		if job.Status == models.JobStatusRunning {
			if _, err := applyProgress(next, ch.progress); err != nil {
				entry.WithError(err).Warn("progress regression rejected")
				return nil, err
			}
		} else {
			entry.Warn("progress outside RUNNING dropped")
		}
	}

	now := m.now().UTC()
	from := job.Status
	next.Status = ch.to
	if _, ok := next.Timestamps[ch.to]; !ok {
		next.Timestamps[ch.to] = now
	}
	if ch.to.Terminal() {
		next.Settlement = models.SettlementPending
	}
	if err := tx.CompareAndSwapJob(ctx, next, from, job.Version); err != nil {
		return nil, err
	}
	if err := tx.InsertJobEvent(ctx, &models.JobEvent{
		JobID:      next.ID,
		At:         now,
		FromStatus: &from,
		ToStatus:   ch.to,
		Reason:     ch.reason,
		Meta:       ch.meta,
	}); err != nil {
		return nil, err
	}

	metrics.JobTransition(string(from), string(ch.to))
	entry.WithField("reason", ch.reason).Info("job transitioned")
	return &Result{Job: next, Outcome: OutcomeApplied}, nil
}

// applyProgress copies the reported counters into job. It rejects the whole
// report if any counter would decrease.
func applyProgress(job *models.FineTuningJob, p models.Progress) (bool, error) {
	if p.CurrentStep != nil && *p.CurrentStep < job.CurrentStep {
		return false, errors.Wrapf(models.ErrInvalidProgress,
			"current_step %d is below %d", *p.CurrentStep, job.CurrentStep)
	}
	if p.CurrentEpoch != nil && *p.CurrentEpoch < job.CurrentEpoch {
		return false, errors.Wrapf(models.ErrInvalidProgress,
			"current_epoch %d is below %d", *p.CurrentEpoch, job.CurrentEpoch)
	}
	if p.NumTokens != nil && *p.NumTokens < job.NumTokens {
		return false, errors.Wrapf(models.ErrInvalidProgress,
			"num_tokens %d is below %d", *p.NumTokens, job.NumTokens)
	}

	changed := false
	if p.CurrentStep != nil && *p.CurrentStep != job.CurrentStep {
		job.CurrentStep = *p.CurrentStep
		changed = true
	}
	if p.CurrentEpoch != nil && *p.CurrentEpoch != job.CurrentEpoch {
		job.CurrentEpoch = *p.CurrentEpoch
		changed = true
	}
	if p.NumTokens != nil && *p.NumTokens != job.NumTokens {
		job.NumTokens = *p.NumTokens
		changed = true
	}
	return changed, nil
}
