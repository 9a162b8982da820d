package pricing

import (
	"finetune-core/core/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AnyProvider matches every provider of a job type in a pricing table.
const AnyProvider = "*"

// Rate is the per-token price of one job type on one provider
type Rate struct {
	JobType  models.JobType
	Provider string
	PerToken decimal.Decimal
}

// Table is a configuration-supplied pricing table
type Table struct {
	rates map[rateKey]decimal.Decimal
}

type rateKey struct {
	jobType  models.JobType
	provider string
}

// NewTable builds a pricing table. Later rates for the same pair replace earlier ones.
func NewTable(rates []Rate) (*Table, error) {
	t := &Table{rates: make(map[rateKey]decimal.Decimal, len(rates))}
	for _, r := range rates {
		if !r.JobType.Valid() {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "pricing: unknown job type %q", r.JobType)
		}
		if r.Provider != AnyProvider && !models.Provider(r.Provider).Valid() {
			return nil, errors.Wrapf(models.ErrInvalidArgument, "pricing: unknown provider %q", r.Provider)
		}
		if r.PerToken.IsNegative() {
			return nil, errors.Wrapf(models.ErrInvalidArgument,
				"pricing: negative rate for %s/%s", r.JobType, r.Provider)
		}
		t.rates[rateKey{r.JobType, r.Provider}] = r.PerToken
	}
	return t, nil
}

// Rate returns the per-token rate for a job type and provider, falling back to
// the job type's wildcard row.
func (t *Table) Rate(jobType models.JobType, provider models.Provider) (decimal.Decimal, error) {
	if t != nil {
		if rate, ok := t.rates[rateKey{jobType, string(provider)}]; ok {
			return rate, nil
		}
		if rate, ok := t.rates[rateKey{jobType, AnyProvider}]; ok {
			return rate, nil
		}
	}
	return decimal.Zero, errors.Wrapf(models.ErrPricingNotConfigured, "%s on %s", jobType, provider)
}

// Len returns the number of configured rates.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rates)
}

// Cost converts the tokens a job processed into credits. The result is
// rate × tokens rounded half-up to the ledger scale, so the same inputs always
// produce the same amount.
func Cost(jobType models.JobType, provider models.Provider, numTokens int64, table *Table) (decimal.Decimal, error) {
	if numTokens < 0 {
		return decimal.Zero, errors.Wrapf(models.ErrInvalidArgument, "negative token count %d", numTokens)
	}
	rate, err := table.Rate(jobType, provider)
	if err != nil {
		return decimal.Zero, err
	}
	return models.RoundCredits(rate.Mul(decimal.NewFromInt(numTokens))), nil
}
