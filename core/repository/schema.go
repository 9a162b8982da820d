package repository

import (
	"context"

	"github.com/pkg/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS fine_tuning_jobs (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name VARCHAR(255) NOT NULL,
		base_model TEXT NOT NULL,
		dataset TEXT NOT NULL,
		job_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		parameters JSONB NOT NULL DEFAULT '{}',
		current_step INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		current_epoch INTEGER NOT NULL DEFAULT 0,
		total_epochs INTEGER NOT NULL DEFAULT 0,
		num_tokens BIGINT NOT NULL DEFAULT 0,
		status_timestamps JSONB NOT NULL DEFAULT '{}',
		admitted_at TIMESTAMPTZ,
		reserved_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		settlement_status TEXT NOT NULL DEFAULT '',
		settlement_error TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT fine_tuning_jobs_owner_name_key UNIQUE (owner_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS fine_tuning_jobs_status_updated_idx
		ON fine_tuning_jobs (status, updated_at)`,
	`ALTER TABLE fine_tuning_jobs ADD COLUMN IF NOT EXISTS admitted_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS fine_tuning_jobs_unadmitted_idx
		ON fine_tuning_jobs (created_at) WHERE status = 'NEW' AND admitted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS fine_tuning_jobs_unsettled_idx
		ON fine_tuning_jobs (updated_at) WHERE settlement_status IN ('PENDING', 'FAILED')`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id BIGSERIAL PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES fine_tuning_jobs (id),
		at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		from_status TEXT,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		meta_json JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events (job_id, id)`,
	`CREATE TABLE IF NOT EXISTS credit_accounts (
		owner_id TEXT PRIMARY KEY,
		balance NUMERIC(14,2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id UUID PRIMARY KEY,
		seq BIGSERIAL NOT NULL UNIQUE,
		owner_id TEXT NOT NULL REFERENCES credit_accounts (owner_id),
		transaction_id TEXT NOT NULL,
		credits NUMERIC(14,2) NOT NULL,
		transaction_type TEXT NOT NULL,
		fine_tuning_job_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT credit_transactions_owner_tx_key UNIQUE (owner_id, transaction_id)
	)`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_owner_created_idx
		ON credit_transactions (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		service_name TEXT NOT NULL,
		usage_amount BIGINT NOT NULL,
		usage_unit TEXT NOT NULL,
		cost NUMERIC(14,2) NOT NULL,
		fine_tuning_job_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT usage_records_job_key UNIQUE (fine_tuning_job_id)
	)`,
	`CREATE INDEX IF NOT EXISTS usage_records_owner_created_idx
		ON usage_records (owner_id, created_at)`,
}

// Migrate creates any missing tables and indexes
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "applying schema")
		}
	}
	return nil
}
