// Package storetest checks that a repository.Store honours the contract the
// ledger and the job state machine rely on.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune-core/core/models"
	"finetune-core/core/repository"
)

var errAbort = errors.New("abort")

// Run exercises store implementations created by newStore. Every subtest uses
// its own owner, so stores may be shared between subtests.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s repository.Store, owner string)
	}{
		{"JobRoundTrip", testJobRoundTrip},
		{"DuplicateName", testDuplicateName},
		{"CompareAndSwap", testCompareAndSwap},
		{"ListJobsPages", testListJobsPages},
		{"Events", testEvents},
		{"RollbackOnError", testRollbackOnError},
		{"Transactions", testTransactions},
		{"TransactionHistory", testTransactionHistory},
		{"Usage", testUsage},
		{"Unsettled", testUnsettled},
		{"Unadmitted", testUnadmitted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t), "owner-"+uuid.New().String())
		})
	}
}

func newJob(owner, name string) *models.FineTuningJob {
	lr := 0.0002
	return &models.FineTuningJob{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Name:      name,
		BaseModel: "llama3-8b",
		Dataset:   "s3://data/train.jsonl",
		Type:      models.JobTypeLoRA,
		Provider:  models.ProviderGCP,
		Status:    models.JobStatusNew,
		Parameters: models.JobParameters{
			BatchSize: 2, Shuffle: true, NumEpochs: 3, LearningRate: &lr, UseLoRA: true,
		},
		TotalEpochs:    3,
		Timestamps:     map[models.JobStatus]time.Time{models.JobStatusNew: time.Now().UTC().Truncate(time.Millisecond)},
		ReservedAmount: decimal.Zero,
	}
}

func insertJob(t *testing.T, s repository.Store, job *models.FineTuningJob) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertJob(context.Background(), job)
	}))
}

func getJob(t *testing.T, s repository.Store, id string) *models.FineTuningJob {
	t.Helper()
	var job *models.FineTuningJob
	require.NoError(t, s.WithTx(context.Background(), func(tx repository.Tx) error {
		var err error
		job, err = tx.GetJob(context.Background(), id)
		return err
	}))
	return job
}

func testJobRoundTrip(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	job := newJob(owner, "round-trip")
	insertJob(t, s, job)
	assert.Equal(t, int64(1), job.Version)
	assert.False(t, job.CreatedAt.IsZero())

	got := getJob(t, s, job.ID)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Type, got.Type)
	assert.Equal(t, job.Provider, got.Provider)
	assert.Equal(t, job.Parameters.BatchSize, got.Parameters.BatchSize)
	require.NotNil(t, got.Parameters.LearningRate)
	assert.InDelta(t, 0.0002, *got.Parameters.LearningRate, 1e-12)
	assert.True(t, got.Timestamps[models.JobStatusNew].Equal(job.Timestamps[models.JobStatusNew]))

	err := s.WithTx(ctx, func(tx repository.Tx) error {
		byName, err := tx.GetJobByName(ctx, owner, "round-trip")
		if err != nil {
			return err
		}
		assert.Equal(t, job.ID, byName.ID)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx repository.Tx) error {
		_, err := tx.GetJob(ctx, uuid.New().String())
		return err
	})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	err = s.WithTx(ctx, func(tx repository.Tx) error {
		_, err := tx.GetJobByName(ctx, "someone-else", "round-trip")
		return err
	})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func testDuplicateName(t *testing.T, s repository.Store, owner string) {
	insertJob(t, s, newJob(owner, "dup"))
	err := s.WithTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertJob(context.Background(), newJob(owner, "dup"))
	})
	assert.True(t, errors.Is(err, models.ErrDuplicateName))

	// Names are unique per owner only.
	insertJob(t, s, newJob(owner+"-other", "dup"))
}

func testCompareAndSwap(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	job := newJob(owner, "cas")
	insertJob(t, s, job)

	next := job.Clone()
	next.Status = models.JobStatusQueued
	next.Timestamps[models.JobStatusQueued] = time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.CompareAndSwapJob(ctx, next, models.JobStatusNew, job.Version)
	}))
	assert.Equal(t, job.Version+1, next.Version)

	stale := job.Clone()
	stale.Status = models.JobStatusFailed
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.CompareAndSwapJob(ctx, stale, models.JobStatusNew, job.Version)
	})
	assert.True(t, errors.Is(err, models.ErrStaleWrite))

	got := getJob(t, s, job.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, next.Version, got.Version)
	assert.Contains(t, got.Timestamps, models.JobStatusQueued)
}

func testListJobsPages(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		insertJob(t, s, newJob(owner, name))
	}

	err := s.WithTx(ctx, func(tx repository.Tx) error {
		first, total, err := tx.ListJobs(ctx, owner, repository.Page{Number: 1, Size: 2})
		if err != nil {
			return err
		}
		assert.Equal(t, 3, total)
		assert.Len(t, first, 2)

		second, _, err := tx.ListJobs(ctx, owner, repository.Page{Number: 2, Size: 2})
		if err != nil {
			return err
		}
		assert.Len(t, second, 1)

		beyond, total, err := tx.ListJobs(ctx, owner, repository.Page{Number: 5, Size: 2})
		assert.Empty(t, beyond)
		assert.Equal(t, 3, total)
		return err
	})
	require.NoError(t, err)
}

func testEvents(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	job := newJob(owner, "events")
	insertJob(t, s, job)

	from := models.JobStatusNew
	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertJobEvent(ctx, &models.JobEvent{
			JobID: job.ID, ToStatus: models.JobStatusNew, Reason: models.ReasonJobCreated,
		}); err != nil {
			return err
		}
		return tx.InsertJobEvent(ctx, &models.JobEvent{
			JobID: job.ID, FromStatus: &from, ToStatus: models.JobStatusQueued,
			Reason: models.ReasonSchedulerCallback, Meta: map[string]interface{}{"scheduler_reason": "ok"},
		})
	}))

	var events []models.JobEvent
	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		events, err = tx.ListJobEvents(ctx, job.ID, 10)
		return err
	}))
	require.Len(t, events, 2)
	assert.Nil(t, events[0].FromStatus)
	assert.Equal(t, models.JobStatusQueued, events[1].ToStatus)
	require.NotNil(t, events[1].FromStatus)
	assert.Equal(t, models.JobStatusNew, *events[1].FromStatus)
	assert.Equal(t, "ok", events[1].Meta["scheduler_reason"])
	assert.Less(t, events[0].ID, events[1].ID)
}

func testRollbackOnError(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	job := newJob(owner, "rolled-back")
	err := s.WithOwnerLock(ctx, owner, func(tx repository.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &models.CreditTransaction{
			OwnerID: owner, TransactionID: "lost", Credits: decimal.NewFromInt(5),
			TransactionType: models.TxStripeCheckout,
		}); err != nil {
			return err
		}
		return errAbort
	})
	require.True(t, errors.Is(err, errAbort))

	err = s.WithOwnerLock(ctx, owner, func(tx repository.Tx) error {
		if _, err := tx.GetJob(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
			return errors.Errorf("job survived rollback: %v", err)
		}
		balance, err := tx.Balance(ctx, owner)
		if err != nil {
			return err
		}
		assert.True(t, balance.IsZero())
		return nil
	})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = s.WithTx(cancelled, func(tx repository.Tx) error { return nil })
	assert.Error(t, err)
}

func testTransactions(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	job := newJob(owner, "billed")
	insertJob(t, s, job)

	err := s.WithOwnerLock(ctx, owner, func(tx repository.Tx) error {
		for _, ct := range []*models.CreditTransaction{
			{OwnerID: owner, TransactionID: "in", Credits: decimal.RequireFromString("20.00"),
				TransactionType: models.TxStripeCheckout},
			{OwnerID: owner, TransactionID: job.ID, Credits: decimal.RequireFromString("-7.25"),
				TransactionType: models.TxFineTuningJob, JobID: &job.ID},
		} {
			if err := tx.InsertTransaction(ctx, ct); err != nil {
				return err
			}
			assert.NotEmpty(t, ct.ID)
			assert.Positive(t, ct.Seq)
		}
		return tx.SetAccountBalance(ctx, owner, decimal.RequireFromString("12.75"))
	})
	require.NoError(t, err)

	err = s.WithOwnerLock(ctx, owner, func(tx repository.Tx) error {
		return tx.InsertTransaction(ctx, &models.CreditTransaction{
			OwnerID: owner, TransactionID: "in", Credits: decimal.NewFromInt(1),
			TransactionType: models.TxStripeCheckout,
		})
	})
	assert.True(t, errors.Is(err, models.ErrDuplicateTransaction))

	err = s.WithOwnerLock(ctx, owner, func(tx repository.Tx) error {
		balance, err := tx.Balance(ctx, owner)
		if err != nil {
			return err
		}
		assert.True(t, balance.Equal(decimal.RequireFromString("12.75")), "balance %s", balance)

		cached, err := tx.AccountBalance(ctx, owner)
		if err != nil {
			return err
		}
		assert.True(t, cached.Equal(decimal.RequireFromString("12.75")), "cached %s", cached)

		found, err := tx.FindTransaction(ctx, owner, job.ID)
		if err != nil {
			return err
		}
		require.NotNil(t, found.JobID)
		assert.Equal(t, job.ID, *found.JobID)
		assert.Equal(t, models.TxFineTuningJob, found.TransactionType)

		_, err = tx.FindTransaction(ctx, owner, "missing")
		assert.True(t, errors.Is(err, models.ErrNotFound))

		replay, err := tx.ReplayTransactions(ctx, owner)
		if err != nil {
			return err
		}
		require.Len(t, replay, 2)
		assert.Equal(t, "in", replay[0].TransactionID)
		assert.Less(t, replay[0].Seq, replay[1].Seq)
		return nil
	})
	require.NoError(t, err)
}

func testTransactionHistory(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	err := s.WithOwnerLock(ctx, owner, func(tx repository.Tx) error {
		for _, id := range []string{"t1", "t2", "t3"} {
			if err := tx.InsertTransaction(ctx, &models.CreditTransaction{
				OwnerID: owner, TransactionID: id, Credits: decimal.NewFromInt(1),
				TransactionType: models.TxNewUserCredit,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	err = s.WithTx(ctx, func(tx repository.Tx) error {
		page, total, err := tx.ListTransactions(ctx, owner, repository.TransactionFilter{
			Page: repository.Page{Number: 1, Size: 2},
		})
		if err != nil {
			return err
		}
		assert.Equal(t, 3, total)
		require.Len(t, page, 2)
		// Newest first.
		assert.Equal(t, "t3", page[0].TransactionID)

		none, total, err := tx.ListTransactions(ctx, owner, repository.TransactionFilter{
			TimeRange: repository.TimeRange{Start: &future},
			Page:      repository.Page{Number: 1, Size: 10},
		})
		assert.Empty(t, none)
		assert.Zero(t, total)
		return err
	})
	require.NoError(t, err)
}

func testUsage(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	job := newJob(owner, "used")
	insertJob(t, s, job)

	usage := func() *models.UsageRecord {
		return &models.UsageRecord{
			OwnerID: owner, ServiceName: models.ServiceFineTuningJob, UsageAmount: 1_000_000,
			UsageUnit: models.UsageUnitToken, Cost: decimal.RequireFromString("10.00"), JobID: job.ID,
		}
	}
	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.InsertUsage(ctx, usage())
	}))
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.InsertUsage(ctx, usage())
	})
	assert.True(t, errors.Is(err, models.ErrDuplicateTransaction))

	future := time.Now().Add(time.Hour)
	err = s.WithTx(ctx, func(tx repository.Tx) error {
		rec, err := tx.FindUsage(ctx, job.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1_000_000), rec.UsageAmount)
		assert.True(t, rec.Cost.Equal(decimal.NewFromInt(10)))

		all, err := tx.ListUsage(ctx, owner, repository.TimeRange{})
		if err != nil {
			return err
		}
		assert.Len(t, all, 1)

		later, err := tx.ListUsage(ctx, owner, repository.TimeRange{Start: &future})
		assert.Empty(t, later)
		return err
	})
	require.NoError(t, err)
}

func testUnsettled(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	job := newJob(owner, "unsettled")
	insertJob(t, s, job)

	next := job.Clone()
	next.Status = models.JobStatusFailed
	next.Settlement = models.SettlementFailed
	next.SettlementError = "insufficient credits"
	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.CompareAndSwapJob(ctx, next, models.JobStatusNew, job.Version)
	}))

	err := s.WithTx(ctx, func(tx repository.Tx) error {
		unsettled, err := tx.ListUnsettledJobs(ctx, 0)
		if err != nil {
			return err
		}
		var found *models.FineTuningJob
		for _, j := range unsettled {
			if j.ID == job.ID {
				found = j
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, "insufficient credits", found.SettlementError)

		stats, err := tx.JobStats(ctx)
		if err != nil {
			return err
		}
		assert.GreaterOrEqual(t, stats.ByStatus[models.JobStatusFailed], 1)
		assert.GreaterOrEqual(t, stats.Unsettled, 1)

		stale, err := tx.ListStaleJobs(ctx, models.JobStatusFailed, time.Now().Add(time.Minute), 0)
		if err != nil {
			return err
		}
		ids := make([]string, len(stale))
		for i, j := range stale {
			ids[i] = j.ID
		}
		assert.Contains(t, ids, job.ID)
		return nil
	})
	require.NoError(t, err)
}

func testUnadmitted(t *testing.T, s repository.Store, owner string) {
	ctx := context.Background()
	pending := newJob(owner, "pending-admission")
	admitted := newJob(owner, "admitted")
	insertJob(t, s, pending)
	insertJob(t, s, admitted)

	at := time.Now().UTC().Truncate(time.Millisecond)
	next := admitted.Clone()
	next.AdmittedAt = &at
	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.CompareAndSwapJob(ctx, next, models.JobStatusNew, admitted.Version)
	}))
	got := getJob(t, s, admitted.ID)
	require.NotNil(t, got.AdmittedAt)
	assert.True(t, got.AdmittedAt.Equal(at))

	list := func(before time.Time) []string {
		var ids []string
		require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
			jobs, err := tx.ListUnadmittedJobs(ctx, before, 0)
			for _, j := range jobs {
				if j.OwnerID == owner {
					ids = append(ids, j.ID)
				}
			}
			return err
		}))
		return ids
	}

	assert.Equal(t, []string{pending.ID}, list(time.Now().Add(time.Minute)))
	assert.Empty(t, list(pending.CreatedAt.Add(-time.Minute)))
}
