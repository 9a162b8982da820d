package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"finetune-core/core/models"

	"github.com/pkg/errors"
)

// InsertJobEvent records a transition in the job's event log
func (t *sqlTx) InsertJobEvent(ctx context.Context, event *models.JobEvent) error {
	query := `
		INSERT INTO job_events (job_id, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, at
	`

	var fromStatus *string
	if event.FromStatus != nil {
		s := string(*event.FromStatus)
		fromStatus = &s
	}

	meta := event.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encoding event meta")
	}

	err = t.tx.QueryRowContext(ctx, query,
		event.JobID, fromStatus, event.ToStatus, event.Reason, metaJSON,
	).Scan(&event.ID, &event.At)
	return matchPgError(err)
}

// ListJobEvents retrieves events for a job
func (t *sqlTx) ListJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY id
		LIMIT $2
	`

	rows, err := t.tx.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, matchPgError(err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStatus sql.NullString
		var metaJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.At,
			&fromStatus,
			&event.ToStatus,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}

		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &event.Meta); err != nil {
				return nil, errors.Wrap(err, "decoding event meta")
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}
