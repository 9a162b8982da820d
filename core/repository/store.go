package repository

import (
	"context"
	"time"

	"finetune-core/core/models"

	"github.com/shopspring/decimal"
)

// Store hands out scoped transactions. The transaction commits when fn returns
// nil and rolls back on every other exit path, including a cancelled context.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	// WithOwnerLock is WithTx plus an exclusive lock on the owner's credit
	// account, held until the transaction ends. Every balance-affecting
	// operation goes through it.
	WithOwnerLock(ctx context.Context, ownerID string, fn func(Tx) error) error
}

// Tx is the set of operations available inside a transaction
type Tx interface {
	JobRepository
	EventRepository
	LedgerRepository
	UsageRepository
}

// JobRepository handles persistence for fine-tuning jobs
type JobRepository interface {
	// InsertJob stores a new job. It fails with models.ErrDuplicateName when
	// the owner already has a job with the same name.
	InsertJob(ctx context.Context, job *models.FineTuningJob) error
	GetJob(ctx context.Context, id string) (*models.FineTuningJob, error)
	GetJobByName(ctx context.Context, ownerID, name string) (*models.FineTuningJob, error)
	// ListJobs returns one page of the owner's jobs, newest first, and the total count.
	ListJobs(ctx context.Context, ownerID string, page Page) ([]*models.FineTuningJob, int, error)
	// CompareAndSwapJob writes the mutable fields of job only if the stored row
	// still has expectedStatus and expectedVersion, otherwise models.ErrStaleWrite.
	// On success job.Version and job.UpdatedAt are refreshed.
	CompareAndSwapJob(
		ctx context.Context, job *models.FineTuningJob, expectedStatus models.JobStatus, expectedVersion int64,
	) error
	ListStaleJobs(
		ctx context.Context, status models.JobStatus, updatedBefore time.Time, limit int,
	) ([]*models.FineTuningJob, error)
	// ListUnadmittedJobs returns NEW jobs created before createdBefore that
	// have no AdmittedAt, oldest first.
	ListUnadmittedJobs(ctx context.Context, createdBefore time.Time, limit int) ([]*models.FineTuningJob, error)
	// ListUnsettledJobs returns terminal jobs whose settlement is PENDING or FAILED.
	ListUnsettledJobs(ctx context.Context, limit int) ([]*models.FineTuningJob, error)
	JobStats(ctx context.Context) (*JobStats, error)
}

// EventRepository handles persistence for job transition events
type EventRepository interface {
	InsertJobEvent(ctx context.Context, event *models.JobEvent) error
	// ListJobEvents returns the job's events oldest first.
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// LedgerRepository handles persistence for credit transactions and accounts
type LedgerRepository interface {
	// Balance sums every committed delta of the owner.
	Balance(ctx context.Context, ownerID string) (decimal.Decimal, error)
	FindTransaction(ctx context.Context, ownerID, transactionID string) (*models.CreditTransaction, error)
	// InsertTransaction appends to the log and assigns ID, Seq and CreatedAt.
	InsertTransaction(ctx context.Context, tx *models.CreditTransaction) error
	ListTransactions(
		ctx context.Context, ownerID string, filter TransactionFilter,
	) ([]models.CreditTransaction, int, error)
	// ReplayTransactions returns the owner's full log in Seq order.
	ReplayTransactions(ctx context.Context, ownerID string) ([]models.CreditTransaction, error)
	AccountBalance(ctx context.Context, ownerID string) (decimal.Decimal, error)
	SetAccountBalance(ctx context.Context, ownerID string, balance decimal.Decimal) error
}

// UsageRepository handles persistence for usage records
type UsageRepository interface {
	InsertUsage(ctx context.Context, usage *models.UsageRecord) error
	FindUsage(ctx context.Context, jobID string) (*models.UsageRecord, error)
	ListUsage(ctx context.Context, ownerID string, r TimeRange) ([]models.UsageRecord, error)
}

// Page selects a 1-based page of results
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of rows skipped before the page.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// TimeRange bounds a query by creation time. Start is inclusive, End exclusive;
// nil means unbounded.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether t falls in the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && !t.Before(*r.End) {
		return false
	}
	return true
}

// TransactionFilter selects a page of an owner's credit history
type TransactionFilter struct {
	TimeRange
	Page Page
}

// JobStats is a point-in-time summary of all jobs
type JobStats struct {
	ByStatus  map[models.JobStatus]int
	Unsettled int
}
