package main

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"finetune-core/config"
	"finetune-core/core/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreBackend != config.StorePostgres {
			return errors.Errorf("migrate needs the postgres store, STORE_BACKEND is %q", cfg.StoreBackend)
		}

		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "failed to connect to database")
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			return err
		}
		log.Info("schema is up to date")
		return nil
	},
}
