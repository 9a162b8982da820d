package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"finetune-core/core/gateway"
	"finetune-core/core/jobs"
	"finetune-core/core/models"
	"finetune-core/core/pricing"
	"finetune-core/core/spec"
)

// Store backends accepted by STORE_BACKEND.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL  string
	StoreBackend string

	// Server
	ServerPort    string
	InternalToken string

	// Jobs and ledger
	MinCredits       decimal.Decimal
	SettlementPolicy jobs.Policy
	LedgerMaxRetries int
	Pricing          []pricing.Rate
	BaseModels       []spec.BaseModel

	// Scheduler
	SchedulerMode     string
	SchedulerURL      string
	SchedulerAttempts int
	RedisURL          string
	CommandStream     string
	CallbackStream    string
	ConsumerGroup     string

	// Reconciliation
	ReconcileInterval time.Duration
	StoppingTimeout   time.Duration
	AdmissionRetry    time.Duration
	AdmissionTimeout  time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// fileConfig is the layout of the optional YAML file
type fileConfig struct {
	Pricing []struct {
		JobType  string `yaml:"job_type"`
		Provider string `yaml:"provider"`
		PerToken string `yaml:"per_token"`
	} `yaml:"pricing"`
	BaseModels []spec.BaseModel `yaml:"base_models"`
}

// Load reads configuration from environment variables and overlays the YAML
// file at path (or CONFIG_FILE when path is empty) if one is given.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", "postgres://localhost/finetune?sslmode=disable"),
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", StorePostgres)),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		InternalToken:    getEnv("INTERNAL_API_TOKEN", ""),
		SettlementPolicy: jobs.Policy(strings.ToLower(getEnv("SETTLEMENT_POLICY", string(jobs.PolicyAdvisory)))),
		SchedulerMode:    strings.ToLower(getEnv("SCHEDULER_MODE", gateway.ModeNone)),
		SchedulerURL:     getEnv("SCHEDULER_URL", ""),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CommandStream:    getEnv("SCHEDULER_COMMAND_STREAM", "finetune:commands"),
		CallbackStream:   getEnv("SCHEDULER_CALLBACK_STREAM", "finetune:callbacks"),
		ConsumerGroup:    getEnv("SCHEDULER_CONSUMER_GROUP", "finetune-core"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.MinCredits, err = decimal.NewFromString(getEnv("FINE_TUNING_JOB_MIN_CREDITS", "0")); err != nil {
		return nil, errors.Wrap(err, "FINE_TUNING_JOB_MIN_CREDITS")
	}
	if cfg.LedgerMaxRetries, err = getEnvInt("LEDGER_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.SchedulerAttempts, err = getEnvInt("SCHEDULER_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getEnvDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.StoppingTimeout, err = getEnvDuration("STOPPING_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AdmissionRetry, err = getEnvDuration("ADMISSION_RETRY_AFTER", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AdmissionTimeout, err = getEnvDuration("ADMISSION_TIMEOUT", time.Hour); err != nil {
		return nil, err
	}
	if cfg.LogJSON, err = getEnvBool("LOG_JSON", false); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}

	for _, r := range fc.Pricing {
		perToken, err := decimal.NewFromString(r.PerToken)
		if err != nil {
			return errors.Wrapf(err, "pricing %s/%s: per_token", r.JobType, r.Provider)
		}
		provider := strings.ToUpper(r.Provider)
		if provider == "" {
			provider = pricing.AnyProvider
		}
		c.Pricing = append(c.Pricing, pricing.Rate{
			JobType:  models.JobType(strings.ToUpper(r.JobType)),
			Provider: provider,
			PerToken: perToken,
		})
	}
	for i := range fc.BaseModels {
		for j, t := range fc.BaseModels[i].JobTypes {
			fc.BaseModels[i].JobTypes[j] = models.JobType(strings.ToUpper(string(t)))
		}
	}
	c.BaseModels = fc.BaseModels
	return nil
}

// Validate checks enum values and bounds
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		return errors.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if !c.SettlementPolicy.Valid() {
		return errors.Errorf("unknown SETTLEMENT_POLICY %q", c.SettlementPolicy)
	}
	if c.MinCredits.IsNegative() {
		return errors.Errorf("FINE_TUNING_JOB_MIN_CREDITS must not be negative, got %s", c.MinCredits)
	}
	if c.LedgerMaxRetries < 1 {
		return errors.Errorf("LEDGER_MAX_RETRIES must be positive, got %d", c.LedgerMaxRetries)
	}

	switch c.SchedulerMode {
	case gateway.ModeNone:
	case gateway.ModeHTTP:
		if c.SchedulerURL == "" {
			return errors.New("SCHEDULER_URL is required in http mode")
		}
	case gateway.ModeRedis:
		if c.RedisURL == "" || c.CommandStream == "" || c.CallbackStream == "" || c.ConsumerGroup == "" {
			return errors.New("REDIS_URL and the scheduler streams are required in redis mode")
		}
	default:
		return errors.Errorf("unknown SCHEDULER_MODE %q", c.SchedulerMode)
	}

	if c.ReconcileInterval <= 0 || c.StoppingTimeout <= 0 {
		return errors.New("RECONCILE_INTERVAL and STOPPING_TIMEOUT must be positive")
	}
	if c.AdmissionRetry <= 0 || c.AdmissionTimeout < c.AdmissionRetry {
		return errors.Errorf("ADMISSION_RETRY_AFTER must be positive and at most ADMISSION_TIMEOUT, got %s and %s",
			c.AdmissionRetry, c.AdmissionTimeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "%s", key)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return d, nil
}
