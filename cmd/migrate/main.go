// Command migrate manages the SwapLedger Postgres schema.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"SwapLedger/internal/observability"
	"SwapLedger/internal/persistence"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	dsn           string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the SwapLedger Postgres schema",
	Long: `Apply, roll back or inspect schema migrations.

Scripts are compiled into the binary; --dir reads them from disk instead.`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
		return m.Up(ctx)
	}),
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
		return m.Down(ctx)
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		files := make([]string, 0, len(status))
		for f := range status {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			mark := "pending"
			if status[f] {
				mark = "applied"
			}
			fmt.Printf("%-8s %s\n", mark, f)
		}
		return nil
	}),
}

func withMigrator(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		logger := observability.NewLogger("migrate")
		m := persistence.NewMigrator(db, persistence.MigrationSource(migrationsDir), logger)
		if err := fn(cmd.Context(), m); err != nil {
			return err
		}
		logger.Info().Str("command", cmd.Name()).Msg("done")
		return nil
	}
}

func main() {
	_ = godotenv.Load()

	defaultDSN := os.Getenv("SWAP_POSTGRES_DSN")
	if defaultDSN == "" {
		defaultDSN = "postgres://localhost:5432/swapledger?sslmode=disable"
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", defaultDSN, "Postgres connection string (SWAP_POSTGRES_DSN)")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", os.Getenv("SWAP_MIGRATIONS_DIR"), "read scripts from this directory (SWAP_MIGRATIONS_DIR)")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
