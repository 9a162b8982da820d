package repository

import (
	"context"
	"database/sql"

	"finetune-core/core/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const transactionColumns = `
	id, seq, owner_id, transaction_id, credits, transaction_type, fine_tuning_job_id, created_at`

// lockAccount creates the owner's account row if needed and locks it for the
// rest of the transaction.
func (t *sqlTx) lockAccount(ctx context.Context, ownerID string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO credit_accounts (owner_id) VALUES ($1) ON CONFLICT (owner_id) DO NOTHING`,
		ownerID,
	)
	if err != nil {
		return errors.Wrap(matchPgError(err), "creating credit account")
	}

	var locked string
	err = t.tx.QueryRowContext(ctx,
		`SELECT owner_id FROM credit_accounts WHERE owner_id = $1 FOR UPDATE`,
		ownerID,
	).Scan(&locked)
	return errors.Wrap(matchPgError(err), "locking credit account")
}

// Balance sums the owner's transaction log
func (t *sqlTx) Balance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits), 0) FROM credit_transactions WHERE owner_id = $1`,
		ownerID,
	).Scan(&balance)
	return balance, matchPgError(err)
}

// FindTransaction looks up a transaction by its idempotency key
func (t *sqlTx) FindTransaction(
	ctx context.Context, ownerID, transactionID string,
) (*models.CreditTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE owner_id = $1 AND transaction_id = $2`
	tx, err := scanTransaction(t.tx.QueryRowContext(ctx, query, ownerID, transactionID))
	if err != nil {
		return nil, errors.Wrapf(matchPgError(err), "transaction %s", transactionID)
	}
	return tx, nil
}

// InsertTransaction appends a transaction to the owner's log
func (t *sqlTx) InsertTransaction(ctx context.Context, ct *models.CreditTransaction) error {
	query := `
		INSERT INTO credit_transactions (
			id, owner_id, transaction_id, credits, transaction_type, fine_tuning_job_id
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq, created_at
	`

	ct.ID = uuid.New().String()
	err := t.tx.QueryRowContext(ctx, query,
		ct.ID, ct.OwnerID, ct.TransactionID, ct.Credits, ct.TransactionType, ct.JobID,
	).Scan(&ct.Seq, &ct.CreatedAt)
	if isUniqueViolation(err, "credit_transactions_owner_tx_key") {
		return errors.Wrapf(models.ErrDuplicateTransaction, "transaction %s", ct.TransactionID)
	}
	return matchPgError(err)
}

// ListTransactions returns a page of the owner's credit history, newest first
func (t *sqlTx) ListTransactions(
	ctx context.Context, ownerID string, filter TransactionFilter,
) ([]models.CreditTransaction, int, error) {
	where := `
		WHERE owner_id = $1
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)`

	var total int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_transactions`+where,
		ownerID, filter.Start, filter.End,
	).Scan(&total)
	if err != nil {
		return nil, 0, matchPgError(err)
	}

	query := `SELECT ` + transactionColumns + ` FROM credit_transactions` + where + `
		ORDER BY seq DESC
		LIMIT $4 OFFSET $5`
	txs, err := t.queryTransactions(ctx, query,
		ownerID, filter.Start, filter.End, sqlLimit(filter.Page.Size), filter.Page.Offset(),
	)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// ReplayTransactions returns the owner's full log in insertion order
func (t *sqlTx) ReplayTransactions(ctx context.Context, ownerID string) ([]models.CreditTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE owner_id = $1
		ORDER BY seq`
	return t.queryTransactions(ctx, query, ownerID)
}

// AccountBalance returns the cached balance of the owner's account
func (t *sqlTx) AccountBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_id = $1`, ownerID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, errors.Wrapf(matchPgError(err), "account %s", ownerID)
	}
	return balance, nil
}

// SetAccountBalance rewrites the cached balance of the owner's account
func (t *sqlTx) SetAccountBalance(ctx context.Context, ownerID string, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = $1, updated_at = NOW() WHERE owner_id = $2`,
		balance, ownerID,
	)
	if err != nil {
		return matchPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(models.ErrNotFound, "account %s", ownerID)
	}
	return nil
}

func (t *sqlTx) queryTransactions(
	ctx context.Context, query string, args ...interface{},
) ([]models.CreditTransaction, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, matchPgError(err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		ct, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *ct)
	}
	return txs, rows.Err()
}

func scanTransaction(row rowScanner) (*models.CreditTransaction, error) {
	var ct models.CreditTransaction
	var jobID sql.NullString
	err := row.Scan(
		&ct.ID,
		&ct.Seq,
		&ct.OwnerID,
		&ct.TransactionID,
		&ct.Credits,
		&ct.TransactionType,
		&jobID,
		&ct.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if jobID.Valid {
		ct.JobID = &jobID.String
	}
	return &ct, nil
}
