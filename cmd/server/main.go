package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"finetune-core/api/rest/routes"
	"finetune-core/config"
	"finetune-core/core/gateway"
	"finetune-core/core/jobs"
	"finetune-core/core/ledger"
	"finetune-core/core/models"
	"finetune-core/core/monitoring"
	"finetune-core/core/pricing"
	"finetune-core/core/repository"
	"finetune-core/core/repository/memstore"
	"finetune-core/core/spec"
)

const shutdownTimeout = 15 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "finetune-core",
	Short:         "Fine-tuning job admission and settlement service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the reconciler and the scheduler callback consumer",
	RunE:  runServe,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file with pricing and base models")
	rootCmd.AddCommand(serveCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error(fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "LOG_LEVEL")
	}
	log.SetLevel(level)
	if cfg.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, func(), error) {
	if cfg.StoreBackend == config.StoreMemory {
		log.Warn("using the in-memory store, state is lost on restart")
		return memstore.New(), func() {}, nil
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to database")
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	log.Info("database connected successfully")
	return db, func() { _ = db.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	table, err := pricing.NewTable(cfg.Pricing)
	if err != nil {
		return err
	}
	if table.Len() == 0 {
		log.Warn("no pricing configured, completed jobs will be flagged for settlement")
	}
	catalog, err := spec.NewCatalog(cfg.BaseModels)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	var gw gateway.Gateway
	switch cfg.SchedulerMode {
	case gateway.ModeHTTP:
		gw = gateway.NewHTTPGateway(cfg.SchedulerURL, cfg.SchedulerAttempts)
	case gateway.ModeRedis:
		if redisClient, err = gateway.Connect(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer redisClient.Close()
		gw = gateway.NewRedisGateway(redisClient, cfg.CommandStream)
	default:
		gw = gateway.NewNoopGateway()
	}

	l := ledger.New(store, cfg.LedgerMaxRetries)
	manager := jobs.NewManager(store, l, gw, jobs.Config{
		Policy:     cfg.SettlementPolicy,
		MinCredits: cfg.MinCredits,
		Pricing:    table,
		Catalog:    catalog,
	})
	costs := monitoring.NewCostTracker(store, table)

	if redisClient != nil {
		consumer := gateway.NewCallbackConsumer(redisClient, cfg.CallbackStream, cfg.ConsumerGroup,
			func(ctx context.Context, cb models.StatusCallback) error {
				_, err := manager.ApplyStatusCallback(ctx, cb)
				return err
			})
		if err := consumer.EnsureGroup(ctx); err != nil {
			return err
		}
		go consumer.Start(ctx)
	}

	monitor := monitoring.NewJobMonitor(store, manager, monitoring.MonitorConfig{
		Interval:         cfg.ReconcileInterval,
		StoppingTimeout:  cfg.StoppingTimeout,
		AdmissionRetry:   cfg.AdmissionRetry,
		AdmissionTimeout: cfg.AdmissionTimeout,
	})
	go monitor.Start(ctx)

	prom.MustRegister(monitoring.NewMetricsExporter(store))

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		Jobs:          manager,
		Ledger:        l,
		Costs:         costs,
		InternalToken: cfg.InternalToken,
	})
	if cfg.InternalToken == "" {
		log.Warn("INTERNAL_API_TOKEN is not set, internal endpoints are disabled")
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"port":           cfg.ServerPort,
			"store":          cfg.StoreBackend,
			"scheduler_mode": cfg.SchedulerMode,
			"policy":         cfg.SettlementPolicy,
		}).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	log.Info("server exited")
	return nil
}
