package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/orders"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the orders table in PostgreSQL",
		Long: `Create the orders table used by the payment ledger.

The database is taken from database.url or DATABASE_URL. The command is
safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogger(cfg.Log.Level)

			if cfg.Database.URL == "" {
				return errors.New("database.url (DATABASE_URL) is required")
			}

			ctx := cmd.Context()
			db, err := orders.Connect(ctx, cfg.Database.URL, orders.PoolConfig{MaxOpenConns: 1})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer db.Close()

			if err := orders.NewPostgresRepository(db).EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			slog.Info("schema_ready")
			return nil
		},
	}
}
