package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"finetune-core/core/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const jobColumns = `
	id, owner_id, name, base_model, dataset, job_type, provider, status, parameters,
	current_step, total_steps, current_epoch, total_epochs, num_tokens, status_timestamps,
	admitted_at, reserved_amount, settlement_status, settlement_error, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// InsertJob creates a new job row
func (t *sqlTx) InsertJob(ctx context.Context, job *models.FineTuningJob) error {
	query := `
		INSERT INTO fine_tuning_jobs (
			id, owner_id, name, base_model, dataset, job_type, provider, status, parameters,
			current_step, total_steps, current_epoch, total_epochs, num_tokens, status_timestamps,
			reserved_amount, settlement_status, settlement_error, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1
		)
		RETURNING version, created_at, updated_at
	`

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return errors.Wrap(err, "encoding parameters")
	}
	timestamps, err := json.Marshal(job.Timestamps)
	if err != nil {
		return errors.Wrap(err, "encoding timestamps")
	}

	err = t.tx.QueryRowContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Name,
		job.BaseModel,
		job.Dataset,
		job.Type,
		job.Provider,
		job.Status,
		params,
		job.CurrentStep,
		job.TotalSteps,
		job.CurrentEpoch,
		job.TotalEpochs,
		job.NumTokens,
		timestamps,
		job.ReservedAmount,
		job.Settlement,
		job.SettlementError,
	).Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt)
	if isUniqueViolation(err, "fine_tuning_jobs_owner_name_key") {
		return errors.Wrapf(models.ErrDuplicateName, "job %q", job.Name)
	}
	return matchPgError(err)
}

// GetJob retrieves a job by ID
func (t *sqlTx) GetJob(ctx context.Context, id string) (*models.FineTuningJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(models.ErrNotFound, "job %s", id)
	}

	query := `SELECT ` + jobColumns + ` FROM fine_tuning_jobs WHERE id = $1`
	job, err := scanJob(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, errors.Wrapf(matchPgError(err), "job %s", id)
	}
	return job, nil
}

// GetJobByName retrieves a job by owner and name
func (t *sqlTx) GetJobByName(ctx context.Context, ownerID, name string) (*models.FineTuningJob, error) {
	query := `SELECT ` + jobColumns + ` FROM fine_tuning_jobs WHERE owner_id = $1 AND name = $2`
	job, err := scanJob(t.tx.QueryRowContext(ctx, query, ownerID, name))
	if err != nil {
		return nil, errors.Wrapf(matchPgError(err), "job %q", name)
	}
	return job, nil
}

// ListJobs lists an owner's jobs, newest first
func (t *sqlTx) ListJobs(ctx context.Context, ownerID string, page Page) ([]*models.FineTuningJob, int, error) {
	var total int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fine_tuning_jobs WHERE owner_id = $1`, ownerID,
	).Scan(&total)
	if err != nil {
		return nil, 0, matchPgError(err)
	}

	query := `SELECT ` + jobColumns + `
		FROM fine_tuning_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	jobs, err := t.queryJobs(ctx, query, ownerID, sqlLimit(page.Size), page.Offset())
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CompareAndSwapJob updates a job only if it is still in the expected status and version
func (t *sqlTx) CompareAndSwapJob(
	ctx context.Context, job *models.FineTuningJob, expectedStatus models.JobStatus, expectedVersion int64,
) error {
	query := `
		UPDATE fine_tuning_jobs SET
			status = $1, current_step = $2, current_epoch = $3, num_tokens = $4,
			status_timestamps = $5, reserved_amount = $6, settlement_status = $7,
			settlement_error = $8, admitted_at = $9, version = version + 1, updated_at = NOW()
		WHERE id = $10 AND status = $11 AND version = $12
		RETURNING version, updated_at
	`

	timestamps, err := json.Marshal(job.Timestamps)
	if err != nil {
		return errors.Wrap(err, "encoding timestamps")
	}

	err = t.tx.QueryRowContext(ctx, query,
		job.Status,
		job.CurrentStep,
		job.CurrentEpoch,
		job.NumTokens,
		timestamps,
		job.ReservedAmount,
		job.Settlement,
		job.SettlementError,
		job.AdmittedAt,
		job.ID,
		expectedStatus,
		expectedVersion,
	).Scan(&job.Version, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(models.ErrStaleWrite, "job %s", job.ID)
	}
	return matchPgError(err)
}

// ListStaleJobs lists jobs that have sat in status since before updatedBefore
func (t *sqlTx) ListStaleJobs(
	ctx context.Context, status models.JobStatus, updatedBefore time.Time, limit int,
) ([]*models.FineTuningJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM fine_tuning_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`
	return t.queryJobs(ctx, query, status, updatedBefore, sqlLimit(limit))
}

// ListUnadmittedJobs lists NEW jobs created before createdBefore whose
// admission the scheduler never acknowledged
func (t *sqlTx) ListUnadmittedJobs(
	ctx context.Context, createdBefore time.Time, limit int,
) ([]*models.FineTuningJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM fine_tuning_jobs
		WHERE status = $1 AND admitted_at IS NULL AND created_at < $2
		ORDER BY created_at
		LIMIT $3`
	return t.queryJobs(ctx, query, models.JobStatusNew, createdBefore, sqlLimit(limit))
}

// ListUnsettledJobs lists terminal jobs still waiting for settlement
func (t *sqlTx) ListUnsettledJobs(ctx context.Context, limit int) ([]*models.FineTuningJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM fine_tuning_jobs
		WHERE settlement_status IN ($1, $2)
		ORDER BY updated_at
		LIMIT $3`
	return t.queryJobs(ctx, query, models.SettlementPending, models.SettlementFailed, sqlLimit(limit))
}

// JobStats counts jobs by status and unsettled jobs
func (t *sqlTx) JobStats(ctx context.Context) (*JobStats, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE settlement_status IN ($1, $2))
		FROM fine_tuning_jobs
		GROUP BY status`,
		models.SettlementPending, models.SettlementFailed,
	)
	if err != nil {
		return nil, matchPgError(err)
	}
	defer rows.Close()

	stats := &JobStats{ByStatus: make(map[models.JobStatus]int)}
	for rows.Next() {
		var status models.JobStatus
		var count, unsettled int
		if err := rows.Scan(&status, &count, &unsettled); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Unsettled += unsettled
	}
	return stats, rows.Err()
}

func (t *sqlTx) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.FineTuningJob, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, matchPgError(err)
	}
	defer rows.Close()

	var jobs []*models.FineTuningJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*models.FineTuningJob, error) {
	var job models.FineTuningJob
	var params, timestamps []byte
	var admittedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Name,
		&job.BaseModel,
		&job.Dataset,
		&job.Type,
		&job.Provider,
		&job.Status,
		&params,
		&job.CurrentStep,
		&job.TotalSteps,
		&job.CurrentEpoch,
		&job.TotalEpochs,
		&job.NumTokens,
		&timestamps,
		&admittedAt,
		&job.ReservedAmount,
		&job.Settlement,
		&job.SettlementError,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if admittedAt.Valid {
		job.AdmittedAt = &admittedAt.Time
	}
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return nil, errors.Wrap(err, "decoding parameters")
	}
	job.Timestamps = make(map[models.JobStatus]time.Time)
	if err := json.Unmarshal(timestamps, &job.Timestamps); err != nil {
		return nil, errors.Wrap(err, "decoding timestamps")
	}
	return &job, nil
}

// sqlLimit turns a non-positive limit into LIMIT NULL, which Postgres reads as no limit.
func sqlLimit(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
