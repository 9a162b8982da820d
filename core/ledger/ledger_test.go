package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"finetune-core/core/models"
	"finetune-core/core/repository"
	"finetune-core/core/repository/memstore"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T) (*Ledger, *memstore.Store) {
	store := memstore.New()
	return New(store, 3), store
}

func fund(t *testing.T, l *Ledger, owner, amount string) {
	_, err := l.Credit(context.Background(), owner, dec(amount), "fund-"+owner+"-"+amount,
		models.TxNewUserCredit, nil)
	require.NoError(t, err)
}

func requireBalance(t *testing.T, l *Ledger, owner, want string) {
	balance, err := l.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	require.True(t, balance.Equal(dec(want)), "balance %s, want %s", balance, want)
}

func TestDebitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "25")

	jobID := "job-1"
	first, err := l.Debit(ctx, "u1", dec("10"), jobID, models.TxFineTuningJob, &jobID)
	require.NoError(t, err)
	require.False(t, first.AlreadyApplied)
	require.True(t, first.Transaction.Credits.Equal(dec("-10")))

	second, err := l.Debit(ctx, "u1", dec("10"), jobID, models.TxFineTuningJob, &jobID)
	require.NoError(t, err)
	require.True(t, second.AlreadyApplied)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Equal(t, first.Transaction.Seq, second.Transaction.Seq)

	requireBalance(t, l, "u1", "15")
	txs, total, err := l.History(ctx, "u1", repository.TransactionFilter{Page: repository.Page{Number: 1, Size: 10}})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, txs, 2)
}

func TestCreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	first, err := l.Credit(ctx, "u1", dec("5"), "stripe-1", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	second, err := l.Credit(ctx, "u1", dec("5"), "stripe-1", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	require.True(t, second.AlreadyApplied)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	requireBalance(t, l, "u1", "5")
}

func TestReplayWithDifferentAmountKeepsStoredRecord(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Credit(ctx, "u1", dec("5"), "tx", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	r, err := l.Credit(ctx, "u1", dec("50"), "tx", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	require.True(t, r.AlreadyApplied)
	require.True(t, r.Transaction.Credits.Equal(dec("5")))
	requireBalance(t, l, "u1", "5")
}

func TestTransactionIDsAreScopedPerOwner(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Credit(ctx, "u1", dec("5"), "shared", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	r, err := l.Credit(ctx, "u2", dec("7"), "shared", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	require.False(t, r.AlreadyApplied)
	requireBalance(t, l, "u1", "5")
	requireBalance(t, l, "u2", "7")
}

func TestDebitNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "10")

	_, err := l.Debit(ctx, "u1", dec("10.01"), "too-much", models.TxFineTuningJob, nil)
	require.True(t, errors.Is(err, models.ErrInsufficientCredits), err)

	txs, total, err := l.History(ctx, "u1", repository.TransactionFilter{Page: repository.Page{Number: 1, Size: 10}})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, txs, 1)
	requireBalance(t, l, "u1", "10")

	// The failed attempt must not consume the transaction id.
	fund(t, l, "u1", "1")
	r, err := l.Debit(ctx, "u1", dec("10.01"), "too-much", models.TxFineTuningJob, nil)
	require.NoError(t, err)
	require.False(t, r.AlreadyApplied)
	requireBalance(t, l, "u1", "0.99")
}

func TestDebitToExactlyZero(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "10")

	_, err := l.Debit(ctx, "u1", dec("10"), "all", models.TxFineTuningJob, nil)
	require.NoError(t, err)
	requireBalance(t, l, "u1", "0")

	r, err := l.Debit(ctx, "u1", decimal.Zero, "free", models.TxFineTuningJob, nil)
	require.NoError(t, err)
	require.True(t, r.Transaction.Credits.IsZero())
}

func TestAmountValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Debit(ctx, "u1", dec("-1"), "neg", models.TxFineTuningJob, nil)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = l.Credit(ctx, "u1", decimal.Zero, "zero", models.TxStripeCheckout, nil)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = l.Credit(ctx, "u1", dec("1"), "", models.TxStripeCheckout, nil)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = l.Credit(ctx, "", dec("1"), "tx", models.TxStripeCheckout, nil)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = l.Credit(ctx, "u1", dec("1"), "tx", "GIFT", nil)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))
}

func TestAmountsAreRoundedToLedgerScale(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	r, err := l.Credit(ctx, "u1", dec("1.005"), "round", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	require.True(t, r.Transaction.Credits.Equal(dec("1.01")))
	requireBalance(t, l, "u1", "1.01")
}

func TestCheckAndReserve(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "5")

	require.NoError(t, l.CheckAndReserve(ctx, "u1", dec("5")))
	err := l.CheckAndReserve(ctx, "u1", dec("5.01"))
	require.True(t, errors.Is(err, models.ErrInsufficientCredits))
	err = l.CheckAndReserve(ctx, "nobody", dec("1"))
	require.True(t, errors.Is(err, models.ErrInsufficientCredits))

	// Reservation is advisory: nothing was written.
	requireBalance(t, l, "u1", "5")
}

func TestAdmitRollsBackHoldWhenCallbackFails(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "5")

	hold := &Posting{
		OwnerID: "u1", TransactionID: "job:hold", Delta: dec("-5"), Type: models.TxFineTuningJob,
	}
	boom := errors.New("boom")
	_, err := l.Admit(ctx, "u1", dec("5"), hold, func(repository.Tx) error { return boom })
	require.Equal(t, boom, errors.Cause(err))
	requireBalance(t, l, "u1", "5")

	r, err := l.Admit(ctx, "u1", dec("5"), hold, func(repository.Tx) error { return nil })
	require.NoError(t, err)
	require.NotNil(t, r)
	require.True(t, r.Transaction.Credits.Equal(dec("-5")))
	requireBalance(t, l, "u1", "0")
}

func TestAdmitBelowMinimum(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "4.99")

	called := false
	_, err := l.Admit(ctx, "u1", dec("5"), nil, func(repository.Tx) error {
		called = true
		return nil
	})
	require.True(t, errors.Is(err, models.ErrInsufficientCredits))
	require.False(t, called)
}

func TestPostIsAtomic(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "10")

	postings := []Posting{
		{OwnerID: "u1", TransactionID: "a", Delta: dec("5"), Type: models.TxRefund},
		{OwnerID: "u1", TransactionID: "b", Delta: dec("-20"), Type: models.TxFineTuningJob},
	}
	_, err := l.Post(ctx, "u1", postings, nil)
	require.True(t, errors.Is(err, models.ErrInsufficientCredits))
	requireBalance(t, l, "u1", "10")

	postings[1].Delta = dec("-15")
	receipts, err := l.Post(ctx, "u1", postings, nil)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	requireBalance(t, l, "u1", "0")
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fund(t, l, "u1", "10")

	var wg sync.WaitGroup
	var ok, insufficient int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, "u1", dec("1"), fmt.Sprintf("debit-%d", i), models.TxFineTuningJob, nil)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, models.ErrInsufficientCredits):
				atomic.AddInt32(&insufficient, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 10, ok)
	require.EqualValues(t, 15, insufficient)
	requireBalance(t, l, "u1", "0")
}

func TestRandomSequenceKeepsBalanceEqualToLog(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	rng := rand.New(rand.NewSource(42))
	owners := []string{"a", "b", "c"}

	for i := 0; i < 300; i++ {
		owner := owners[rng.Intn(len(owners))]
		amount := decimal.New(rng.Int63n(5000), -2)
		// Reuse a small pool of ids so replays happen.
		txID := fmt.Sprintf("tx-%d", rng.Intn(120))
		var err error
		if rng.Intn(2) == 0 {
			_, err = l.Debit(ctx, owner, amount, txID, models.TxFineTuningJob, nil)
		} else if amount.IsPositive() {
			_, err = l.Credit(ctx, owner, amount, txID, models.TxStripeCheckout, nil)
		}
		if err != nil {
			require.True(t, errors.Is(err, models.ErrInsufficientCredits), err)
		}
	}

	for _, owner := range owners {
		report, err := l.Audit(ctx, owner)
		require.NoError(t, err)
		require.True(t, report.Consistent, "%+v", report)
		require.Zero(t, report.FirstNegativeSeq)
		require.False(t, report.ReplayedBalance.IsNegative())

		balance, err := l.GetBalance(ctx, owner)
		require.NoError(t, err)
		require.True(t, balance.Equal(report.ReplayedBalance))
	}
}

func TestHistoryPagination(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	for i := 1; i <= 5; i++ {
		_, err := l.Credit(ctx, "u1", decimal.NewFromInt(int64(i)), fmt.Sprintf("tx-%d", i),
			models.TxStripeCheckout, nil)
		require.NoError(t, err)
	}

	page, total, err := l.History(ctx, "u1", repository.TransactionFilter{Page: repository.Page{Number: 1, Size: 2}})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, "tx-5", page[0].TransactionID)
	require.Equal(t, "tx-4", page[1].TransactionID)

	page, _, err = l.History(ctx, "u1", repository.TransactionFilter{Page: repository.Page{Number: 3, Size: 2}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "tx-1", page[0].TransactionID)

	page, _, err = l.History(ctx, "u1", repository.TransactionFilter{Page: repository.Page{Number: 4, Size: 2}})
	require.NoError(t, err)
	require.Empty(t, page)
}

type flakyStore struct {
	repository.Store
	failures int32
	calls    int32
}

func (f *flakyStore) WithOwnerLock(ctx context.Context, ownerID string, fn func(repository.Tx) error) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.Wrap(models.ErrTransientConflict, "could not serialize access")
	}
	return f.Store.WithOwnerLock(ctx, ownerID, fn)
}

func TestTransientConflictsAreRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memstore.New(), failures: 2}
	l := New(store, 3)

	r, err := l.Credit(ctx, "u1", dec("1"), "tx", models.TxStripeCheckout, nil)
	require.NoError(t, err)
	require.False(t, r.AlreadyApplied)
	require.EqualValues(t, 3, store.calls)
}

func TestTransientConflictSurfacesAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memstore.New(), failures: 100}
	l := New(store, 3)

	_, err := l.Credit(ctx, "u1", dec("1"), "tx", models.TxStripeCheckout, nil)
	require.True(t, errors.Is(err, models.ErrTransientConflict))
	require.EqualValues(t, 4, store.calls)
}

func TestInsufficientCreditsIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memstore.New()}
	l := New(store, 3)

	_, err := l.Debit(ctx, "u1", dec("1"), "tx", models.TxFineTuningJob, nil)
	require.True(t, errors.Is(err, models.ErrInsufficientCredits))
	require.EqualValues(t, 1, store.calls)
}

func TestAuditDetectsCachedBalanceDrift(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	fund(t, l, "u1", "10")

	err := store.WithOwnerLock(ctx, "u1", func(tx repository.Tx) error {
		return tx.SetAccountBalance(ctx, "u1", dec("11"))
	})
	require.NoError(t, err)

	report, err := l.Audit(ctx, "u1")
	require.NoError(t, err)
	require.False(t, report.Consistent)
	require.True(t, report.ReplayedBalance.Equal(dec("10")))
	require.True(t, report.CachedBalance.Equal(dec("11")))
}
