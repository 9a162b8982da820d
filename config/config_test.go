package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finetune-core/core/gateway"
	"finetune-core/core/jobs"
	"finetune-core/core/models"
	"finetune-core/core/pricing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.StoreBackend)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, jobs.PolicyAdvisory, cfg.SettlementPolicy)
	assert.Equal(t, gateway.ModeNone, cfg.SchedulerMode)
	assert.True(t, cfg.MinCredits.IsZero())
	assert.Equal(t, 5, cfg.LedgerMaxRetries)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 10*time.Minute, cfg.StoppingTimeout)
	assert.Equal(t, 2*time.Minute, cfg.AdmissionRetry)
	assert.Equal(t, time.Hour, cfg.AdmissionTimeout)
	assert.Empty(t, cfg.Pricing)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("SETTLEMENT_POLICY", "ESCROW")
	t.Setenv("FINE_TUNING_JOB_MIN_CREDITS", "2.50")
	t.Setenv("SCHEDULER_MODE", "redis")
	t.Setenv("RECONCILE_INTERVAL", "15s")
	t.Setenv("LOG_JSON", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, jobs.PolicyEscrow, cfg.SettlementPolicy)
	assert.True(t, cfg.MinCredits.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, gateway.ModeRedis, cfg.SchedulerMode)
	assert.Equal(t, 15*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.LogJSON)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	for key, value := range map[string]string{
		"FINE_TUNING_JOB_MIN_CREDITS": "lots",
		"LEDGER_MAX_RETRIES":          "five",
		"RECONCILE_INTERVAL":          "often",
		"ADMISSION_TIMEOUT":           "never",
		"LOG_JSON":                    "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finetune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pricing:
  - job_type: lora
    provider: gcp
    per_token: "0.00001"
  - job_type: QLORA
    per_token: "0.000008"
base_models:
  - name: llama3-8b
    job_types: [lora, qlora, full]
  - name: mistral-7b
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Pricing, 2)
	assert.Equal(t, models.JobTypeLoRA, cfg.Pricing[0].JobType)
	assert.Equal(t, "GCP", cfg.Pricing[0].Provider)
	assert.True(t, cfg.Pricing[0].PerToken.Equal(decimal.RequireFromString("0.00001")))
	assert.Equal(t, pricing.AnyProvider, cfg.Pricing[1].Provider)

	table, err := pricing.NewTable(cfg.Pricing)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	require.Len(t, cfg.BaseModels, 2)
	assert.Equal(t, []models.JobType{models.JobTypeLoRA, models.JobTypeQLoRA, models.JobTypeFull}, cfg.BaseModels[0].JobTypes)
	assert.Empty(t, cfg.BaseModels[1].JobTypes)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pricing:\n  - job_type: LORA\n    per_token: cheap\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:       "postgres://localhost/finetune",
			StoreBackend:      StorePostgres,
			SettlementPolicy:  jobs.PolicyAdvisory,
			LedgerMaxRetries:  5,
			SchedulerMode:     gateway.ModeNone,
			RedisURL:          "redis://localhost:6379/0",
			CommandStream:     "commands",
			CallbackStream:    "callbacks",
			ConsumerGroup:     "group",
			ReconcileInterval: time.Minute,
			StoppingTimeout:   time.Minute,
			AdmissionRetry:    time.Minute,
			AdmissionTimeout:  time.Hour,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.StoreBackend = "sqlite" }, wantErr: "STORE_BACKEND"},
		{name: "unknown policy", mutate: func(c *Config) { c.SettlementPolicy = "prepaid" }, wantErr: "SETTLEMENT_POLICY"},
		{name: "negative minimum", mutate: func(c *Config) { c.MinCredits = decimal.NewFromInt(-1) }, wantErr: "MIN_CREDITS"},
		{name: "no retries", mutate: func(c *Config) { c.LedgerMaxRetries = 0 }, wantErr: "LEDGER_MAX_RETRIES"},
		{name: "unknown mode", mutate: func(c *Config) { c.SchedulerMode = "grpc" }, wantErr: "SCHEDULER_MODE"},
		{name: "http without url", mutate: func(c *Config) { c.SchedulerMode = gateway.ModeHTTP }, wantErr: "SCHEDULER_URL"},
		{name: "redis without stream", mutate: func(c *Config) {
			c.SchedulerMode = gateway.ModeRedis
			c.CallbackStream = ""
		}, wantErr: "REDIS_URL"},
		{name: "zero interval", mutate: func(c *Config) { c.ReconcileInterval = 0 }, wantErr: "RECONCILE_INTERVAL"},
		{name: "admission timeout before retry", mutate: func(c *Config) { c.AdmissionTimeout = time.Second }, wantErr: "ADMISSION_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
