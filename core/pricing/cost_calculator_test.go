package pricing

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"finetune-core/core/models"
)

func testTable(t *testing.T) *Table {
	table, err := NewTable([]Rate{
		{JobType: models.JobTypeLoRA, Provider: "GCP", PerToken: decimal.RequireFromString("0.00001")},
		{JobType: models.JobTypeQLoRA, Provider: AnyProvider, PerToken: decimal.RequireFromString("0.000008")},
		{JobType: models.JobTypeQLoRA, Provider: "AWS", PerToken: decimal.RequireFromString("0.000009")},
		{JobType: models.JobTypeFull, Provider: "LUM", PerToken: decimal.RequireFromString("0.000015")},
	})
	require.NoError(t, err)
	return table
}

func TestCost(t *testing.T) {
	table := testTable(t)

	cases := []struct {
		name     string
		jobType  models.JobType
		provider models.Provider
		tokens   int64
		want     string
	}{
		{"lora gcp", models.JobTypeLoRA, models.ProviderGCP, 1_000_000, "10.00"},
		{"zero tokens", models.JobTypeLoRA, models.ProviderGCP, 0, "0"},
		{"wildcard provider", models.JobTypeQLoRA, models.ProviderAzure, 1_000_000, "8"},
		{"exact row beats wildcard", models.JobTypeQLoRA, models.ProviderAWS, 1_000_000, "9"},
		{"rounds half up", models.JobTypeFull, models.ProviderLum, 1_001_000, "15.02"},
		{"rounds down below half", models.JobTypeLoRA, models.ProviderGCP, 1_000_499, "10.00"},
		{"rounds up at half", models.JobTypeLoRA, models.ProviderGCP, 1_000_500, "10.01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Cost(tc.jobType, tc.provider, tc.tokens, table)
			require.NoError(t, err)
			require.True(t, got.Equal(decimal.RequireFromString(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func TestCostIsDeterministic(t *testing.T) {
	table := testTable(t)
	first, err := Cost(models.JobTypeFull, models.ProviderLum, 123_456_789, table)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Cost(models.JobTypeFull, models.ProviderLum, 123_456_789, table)
		require.NoError(t, err)
		require.Equal(t, first.String(), again.String())
	}
}

func TestCostErrors(t *testing.T) {
	table := testTable(t)

	_, err := Cost(models.JobTypeFull, models.ProviderGCP, 10, table)
	require.True(t, errors.Is(err, models.ErrPricingNotConfigured))

	_, err = Cost(models.JobTypeLoRA, models.ProviderGCP, -1, table)
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = Cost(models.JobTypeLoRA, models.ProviderGCP, 10, nil)
	require.True(t, errors.Is(err, models.ErrPricingNotConfigured))
}

func TestNewTableRejectsBadRows(t *testing.T) {
	_, err := NewTable([]Rate{{JobType: "BOGUS", Provider: "GCP", PerToken: decimal.NewFromInt(1)}})
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = NewTable([]Rate{{JobType: models.JobTypeLoRA, Provider: "ONPREM", PerToken: decimal.NewFromInt(1)}})
	require.True(t, errors.Is(err, models.ErrInvalidArgument))

	_, err = NewTable([]Rate{{JobType: models.JobTypeLoRA, Provider: "GCP", PerToken: decimal.NewFromInt(-1)}})
	require.True(t, errors.Is(err, models.ErrInvalidArgument))
}
