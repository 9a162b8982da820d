package repository

import (
	"context"

	"finetune-core/core/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InsertUsage records the usage of a settled job
func (t *sqlTx) InsertUsage(ctx context.Context, usage *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, owner_id, service_name, usage_amount, usage_unit, cost, fine_tuning_job_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	usage.ID = uuid.New().String()
	err := t.tx.QueryRowContext(ctx, query,
		usage.ID,
		usage.OwnerID,
		usage.ServiceName,
		usage.UsageAmount,
		usage.UsageUnit,
		usage.Cost,
		usage.JobID,
	).Scan(&usage.CreatedAt)
	if isUniqueViolation(err, "usage_records_job_key") {
		return errors.Wrapf(models.ErrDuplicateTransaction, "usage for job %s", usage.JobID)
	}
	return matchPgError(err)
}

// FindUsage returns the usage record of a job
func (t *sqlTx) FindUsage(ctx context.Context, jobID string) (*models.UsageRecord, error) {
	query := `
		SELECT id, owner_id, service_name, usage_amount, usage_unit, cost, fine_tuning_job_id, created_at
		FROM usage_records
		WHERE fine_tuning_job_id = $1
	`

	var u models.UsageRecord
	err := t.tx.QueryRowContext(ctx, query, jobID).Scan(
		&u.ID, &u.OwnerID, &u.ServiceName, &u.UsageAmount, &u.UsageUnit, &u.Cost, &u.JobID, &u.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(matchPgError(err), "usage for job %s", jobID)
	}
	return &u, nil
}

// ListUsage lists an owner's usage records in a time range, oldest first
func (t *sqlTx) ListUsage(ctx context.Context, ownerID string, r TimeRange) ([]models.UsageRecord, error) {
	query := `
		SELECT id, owner_id, service_name, usage_amount, usage_unit, cost, fine_tuning_job_id, created_at
		FROM usage_records
		WHERE owner_id = $1
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at
	`

	rows, err := t.tx.QueryContext(ctx, query, ownerID, r.Start, r.End)
	if err != nil {
		return nil, matchPgError(err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var u models.UsageRecord
		err := rows.Scan(
			&u.ID, &u.OwnerID, &u.ServiceName, &u.UsageAmount, &u.UsageUnit, &u.Cost, &u.JobID, &u.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, u)
	}
	return records, rows.Err()
}
