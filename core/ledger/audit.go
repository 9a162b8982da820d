package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"finetune-core/core/repository"
)

// AuditReport compares the three views of an owner's balance: the log replayed
// in insertion order, the aggregate sum and the cached account balance.
type AuditReport struct {
	OwnerID          string          `json:"owner_id"`
	Transactions     int             `json:"transactions"`
	ReplayedBalance  decimal.Decimal `json:"replayed_balance"`
	AggregateBalance decimal.Decimal `json:"aggregate_balance"`
	CachedBalance    decimal.Decimal `json:"cached_balance"`
	// FirstNegativeSeq is the seq of the first transaction after which the
	// running balance was negative, or zero.
	FirstNegativeSeq int64 `json:"first_negative_seq,omitempty"`
	Consistent       bool  `json:"consistent"`
}

// Audit replays the owner's transaction log and checks it against the
// aggregate and cached balances.
func (l *Ledger) Audit(ctx context.Context, ownerID string) (*AuditReport, error) {
	var report *AuditReport
	err := l.run(ctx, "audit", func() error {
		return l.store.WithOwnerLock(ctx, ownerID, func(tx repository.Tx) error {
			txs, err := tx.ReplayTransactions(ctx, ownerID)
			if err != nil {
				return err
			}
			aggregate, err := tx.Balance(ctx, ownerID)
			if err != nil {
				return err
			}
			cached, err := tx.AccountBalance(ctx, ownerID)
			if err != nil {
				return err
			}

			report = &AuditReport{
				OwnerID:          ownerID,
				Transactions:     len(txs),
				ReplayedBalance:  decimal.Zero,
				AggregateBalance: aggregate,
				CachedBalance:    cached,
			}
			for _, ct := range txs {
				report.ReplayedBalance = report.ReplayedBalance.Add(ct.Credits)
				if report.ReplayedBalance.IsNegative() && report.FirstNegativeSeq == 0 {
					report.FirstNegativeSeq = ct.Seq
				}
			}
			report.Consistent = report.FirstNegativeSeq == 0 &&
				report.ReplayedBalance.Equal(aggregate) &&
				report.ReplayedBalance.Equal(cached)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if !report.Consistent {
		l.log.WithFields(log.Fields{
			"owner_id":  ownerID,
			"replayed":  report.ReplayedBalance.String(),
			"aggregate": report.AggregateBalance.String(),
			"cached":    report.CachedBalance.String(),
		}).Error("ledger audit found an inconsistent balance")
	}
	return report, nil
}
