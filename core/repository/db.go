package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"finetune-core/core/models"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens and pings a Postgres connection pool
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pinging database")
	}

	return &DB{DB: db}, nil
}

// WithTx runs fn inside a READ COMMITTED transaction
func (db *DB) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return matchPgError(errors.Wrap(err, "beginning transaction"))
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}

	return matchPgError(tx.Commit())
}

// WithOwnerLock runs fn inside a transaction holding the owner's account row lock
func (db *DB) WithOwnerLock(ctx context.Context, ownerID string, fn func(Tx) error) error {
	return db.WithTx(ctx, func(t Tx) error {
		if err := t.(*sqlTx).lockAccount(ctx, ownerID); err != nil {
			return err
		}
		return fn(t)
	})
}

// sqlTx implements Tx on top of a database/sql transaction
type sqlTx struct {
	tx *sql.Tx
}

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// matchPgError maps driver errors onto the models error kinds.
func matchPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return errors.Wrap(models.ErrTransientConflict, pqErr.Message)
		}
	}
	return err
}

// isUniqueViolation reports whether err is a unique constraint violation on constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeUniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}
