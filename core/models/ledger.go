package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditScale is the number of decimal places of the ledger's minimum currency unit.
const CreditScale = 2

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TxNewUserCredit    TransactionType = "NEW_USER_CREDIT"
	TxFineTuningJob    TransactionType = "FINE_TUNING_JOB"
	TxStripeCheckout   TransactionType = "STRIPE_CHECKOUT"
	TxRefund           TransactionType = "REFUND"
	TxManualAdjustment TransactionType = "MANUAL_ADJUSTMENT"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxNewUserCredit, TxFineTuningJob, TxStripeCheckout, TxRefund, TxManualAdjustment:
		return true
	}
	return false
}

// CreditTransaction is an append-only ledger entry. Credits is the signed delta:
// positive adds funds, negative deducts them.
type CreditTransaction struct {
	ID              string
	Seq             int64
	OwnerID         string
	TransactionID   string
	Credits         decimal.Decimal
	TransactionType TransactionType
	JobID           *string
	CreatedAt       time.Time
}

// UsageUnit is the unit usage is measured in
type UsageUnit string

const UsageUnitToken UsageUnit = "token"

// ServiceName names the billed service
type ServiceName string

const ServiceFineTuningJob ServiceName = "fine_tuning_job"

// UsageRecord is written once per settled job
type UsageRecord struct {
	ID          string
	OwnerID     string
	ServiceName ServiceName
	UsageAmount int64
	UsageUnit   UsageUnit
	Cost        decimal.Decimal
	JobID       string
	CreatedAt   time.Time
}

// RoundCredits rounds an amount half-up to the ledger scale.
func RoundCredits(d decimal.Decimal) decimal.Decimal {
	return d.Round(CreditScale)
}
