package ledger

import (
	"context"
	"time"

	back "github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/metrics"
	"finetune-core/core/models"
	"finetune-core/core/repository"
)

const (
	// DefaultMaxRetries bounds how often a transient conflict is retried.
	DefaultMaxRetries = 5

	retryInitialInterval = 10 * time.Millisecond
	retryMaxInterval     = 500 * time.Millisecond
)

// Posting is one balance change applied by the ledger. Delta is signed.
type Posting struct {
	OwnerID       string
	TransactionID string
	Delta         decimal.Decimal
	Type          models.TransactionType
	JobID         *string
}

// Receipt is the result of a posting. AlreadyApplied is set when the
// transaction id had been used before and the stored record was returned.
type Receipt struct {
	Transaction    models.CreditTransaction
	AlreadyApplied bool
}

// Ledger enforces the balance invariants on top of a Store. Every balance
// change runs under the owner's account lock and is keyed by a caller-supplied
// transaction id.
type Ledger struct {
	store      repository.Store
	maxRetries uint64
	log        *log.Entry
}

// New creates a ledger. maxRetries <= 0 selects DefaultMaxRetries.
func New(store repository.Store, maxRetries int) *Ledger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Ledger{
		store:      store,
		maxRetries: uint64(maxRetries),
		log:        log.WithField("component", "ledger"),
	}
}

// GetBalance returns the sum of the owner's committed transactions.
func (l *Ledger) GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.run(ctx, "balance", func() error {
		return l.store.WithTx(ctx, func(tx repository.Tx) error {
			var err error
			balance, err = tx.Balance(ctx, ownerID)
			return err
		})
	})
	return balance, err
}

// CheckAndReserve verifies under the owner lock that the balance covers
// minimum. It moves no money; the authoritative check is the one in Debit.
func (l *Ledger) CheckAndReserve(ctx context.Context, ownerID string, minimum decimal.Decimal) error {
	return l.run(ctx, "check_and_reserve", func() error {
		return l.store.WithOwnerLock(ctx, ownerID, func(tx repository.Tx) error {
			return checkMinimum(ctx, tx, ownerID, minimum)
		})
	})
}

// Admit runs fn in the same transaction and under the same owner lock as the
// minimum-balance check. When hold is set it is posted before fn runs. Nothing
// is committed unless every step succeeds.
func (l *Ledger) Admit(
	ctx context.Context,
	ownerID string,
	minimum decimal.Decimal,
	hold *Posting,
	fn func(repository.Tx) error,
) (*Receipt, error) {
	if hold != nil {
		if err := validatePosting(hold); err != nil {
			return nil, err
		}
		if hold.OwnerID != ownerID {
			return nil, errors.Wrap(models.ErrInvalidArgument, "hold posted for another owner")
		}
	}

	var receipt *Receipt
	err := l.run(ctx, "admit", func() error {
		receipt = nil
		return l.store.WithOwnerLock(ctx, ownerID, func(tx repository.Tx) error {
			if err := checkMinimum(ctx, tx, ownerID, minimum); err != nil {
				return err
			}
			if hold != nil {
				r, err := l.apply(ctx, tx, *hold)
				if err != nil {
					return err
				}
				receipt = &r
			}
			return fn(tx)
		})
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Debit deducts amount from the owner. A replayed transaction id returns the
// stored record; otherwise the debit fails with ErrInsufficientCredits if it
// would make the balance negative.
func (l *Ledger) Debit(
	ctx context.Context,
	ownerID string,
	amount decimal.Decimal,
	transactionID string,
	txType models.TransactionType,
	jobID *string,
) (*Receipt, error) {
	if amount.IsNegative() {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "debit amount %s is negative", amount)
	}
	return l.postOne(ctx, "debit", Posting{
		OwnerID:       ownerID,
		TransactionID: transactionID,
		Delta:         models.RoundCredits(amount).Neg(),
		Type:          txType,
		JobID:         jobID,
	})
}

// Credit adds amount to the owner. Adding funds never fails the balance check.
func (l *Ledger) Credit(
	ctx context.Context,
	ownerID string,
	amount decimal.Decimal,
	transactionID string,
	txType models.TransactionType,
	jobID *string,
) (*Receipt, error) {
	if !amount.IsPositive() {
		return nil, errors.Wrapf(models.ErrInvalidArgument, "credit amount %s is not positive", amount)
	}
	return l.postOne(ctx, "credit", Posting{
		OwnerID:       ownerID,
		TransactionID: transactionID,
		Delta:         models.RoundCredits(amount),
		Type:          txType,
		JobID:         jobID,
	})
}

// Refund credits amount back to the owner for a job.
func (l *Ledger) Refund(
	ctx context.Context, ownerID string, amount decimal.Decimal, transactionID, jobID string,
) (*Receipt, error) {
	return l.Credit(ctx, ownerID, amount, transactionID, models.TxRefund, &jobID)
}

// Post applies several postings for one owner atomically and then runs fn in
// the same transaction. Postings with a zero delta are recorded like any other.
func (l *Ledger) Post(
	ctx context.Context, ownerID string, postings []Posting, fn func(repository.Tx) error,
) ([]Receipt, error) {
	for i := range postings {
		if err := validatePosting(&postings[i]); err != nil {
			return nil, err
		}
		if postings[i].OwnerID != ownerID {
			return nil, errors.Wrap(models.ErrInvalidArgument, "posting for another owner")
		}
	}

	var receipts []Receipt
	err := l.run(ctx, "post", func() error {
		receipts = receipts[:0]
		return l.store.WithOwnerLock(ctx, ownerID, func(tx repository.Tx) error {
			for _, p := range postings {
				r, err := l.apply(ctx, tx, p)
				if err != nil {
					return err
				}
				receipts = append(receipts, r)
			}
			if fn != nil {
				return fn(tx)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// History returns a page of the owner's credit transactions, newest first, and
// the number of transactions matching the filter.
func (l *Ledger) History(
	ctx context.Context, ownerID string, filter repository.TransactionFilter,
) ([]models.CreditTransaction, int, error) {
	var txs []models.CreditTransaction
	var total int
	err := l.run(ctx, "history", func() error {
		return l.store.WithTx(ctx, func(tx repository.Tx) error {
			var err error
			txs, total, err = tx.ListTransactions(ctx, ownerID, filter)
			return err
		})
	})
	return txs, total, err
}

func (l *Ledger) postOne(ctx context.Context, op string, p Posting) (*Receipt, error) {
	if err := validatePosting(&p); err != nil {
		return nil, err
	}

	var receipt Receipt
	err := l.run(ctx, op, func() error {
		return l.store.WithOwnerLock(ctx, p.OwnerID, func(tx repository.Tx) error {
			var err error
			receipt, err = l.apply(ctx, tx, p)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// apply must run under the owner lock.
func (l *Ledger) apply(ctx context.Context, tx repository.Tx, p Posting) (Receipt, error) {
	existing, err := tx.FindTransaction(ctx, p.OwnerID, p.TransactionID)
	switch {
	case err == nil:
		if !existing.Credits.Equal(p.Delta) || existing.TransactionType != p.Type {
			l.log.WithFields(log.Fields{
				"owner_id":       p.OwnerID,
				"transaction_id": p.TransactionID,
				"stored":         existing.Credits.String(),
				"requested":      p.Delta.String(),
			}).Warn("transaction id replayed with different content, keeping stored record")
		}
		return Receipt{Transaction: *existing, AlreadyApplied: true}, nil
	case !errors.Is(err, models.ErrNotFound):
		return Receipt{}, err
	}

	balance, err := tx.Balance(ctx, p.OwnerID)
	if err != nil {
		return Receipt{}, err
	}
	next := balance.Add(p.Delta)
	if next.IsNegative() {
		return Receipt{}, errors.Wrapf(models.ErrInsufficientCredits,
			"balance %s cannot cover %s", balance, p.Delta.Neg())
	}

	ct := models.CreditTransaction{
		OwnerID:         p.OwnerID,
		TransactionID:   p.TransactionID,
		Credits:         p.Delta,
		TransactionType: p.Type,
		JobID:           p.JobID,
	}
	if err := tx.InsertTransaction(ctx, &ct); err != nil {
		return Receipt{}, err
	}
	if err := tx.SetAccountBalance(ctx, p.OwnerID, next); err != nil {
		return Receipt{}, err
	}

	l.log.WithFields(log.Fields{
		"owner_id":       p.OwnerID,
		"transaction_id": p.TransactionID,
		"delta":          p.Delta.String(),
		"balance":        next.String(),
	}).Debug("posted credit transaction")
	return Receipt{Transaction: ct}, nil
}

func checkMinimum(ctx context.Context, tx repository.Tx, ownerID string, minimum decimal.Decimal) error {
	balance, err := tx.Balance(ctx, ownerID)
	if err != nil {
		return err
	}
	if balance.LessThan(minimum) {
		return errors.Wrapf(models.ErrInsufficientCredits,
			"balance %s is below the required minimum %s", balance, minimum)
	}
	return nil
}

func validatePosting(p *Posting) error {
	switch {
	case p.OwnerID == "":
		return errors.Wrap(models.ErrInvalidArgument, "owner id is required")
	case p.TransactionID == "":
		return errors.Wrap(models.ErrInvalidArgument, "transaction id is required")
	case !p.Type.Valid():
		return errors.Wrapf(models.ErrInvalidArgument, "unknown transaction type %q", p.Type)
	}
	p.Delta = models.RoundCredits(p.Delta)
	return nil
}

// run retries fn while it fails with a transient conflict, up to maxRetries
// times, and records the outcome.
func (l *Ledger) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()

	bf := back.NewExponentialBackOff()
	bf.InitialInterval = retryInitialInterval
	bf.MaxInterval = retryMaxInterval
	err := back.Retry(func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, models.ErrTransientConflict):
			metrics.LedgerRetry(op)
			return err
		default:
			return back.Permanent(err)
		}
	}, back.WithContext(back.WithMaxRetries(bf, l.maxRetries), ctx))

	metrics.ObserveLedgerOperation(op, outcome(err), start)
	if errors.Is(err, models.ErrTransientConflict) {
		l.log.WithError(err).WithField("operation", op).Warn("giving up after transient conflicts")
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, models.ErrTransientConflict):
		return "conflict"
	case errors.Is(err, models.ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}
