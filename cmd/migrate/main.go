package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"EscrowLedger/internal/config"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the escrow ledger schema",
	Long: `migrate applies or rolls back the SQL migrations of the escrow ledger.
Connection settings come from the same config file and ESCROW_ environment
variables as escrowd (postgres.url, postgres.migrations_dir).`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *persistence.Migrator) error {
			n, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *persistence.Migrator) error {
			rolled, err := m.Down(ctx)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			if !rolled {
				fmt.Println("nothing to roll back")
				return nil
			}
			fmt.Println("last migration rolled back")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the highest applied migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), func(ctx context.Context, m *persistence.Migrator) error {
			v, err := m.Version(ctx)
			if err != nil {
				return err
			}
			if v == "" {
				v = "none"
			}
			fmt.Println(v)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(upCmd, downCmd, versionCmd)
}

func withMigrator(ctx context.Context, fn func(context.Context, *persistence.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.Service.LogLevel))
	return fn(ctx, persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
