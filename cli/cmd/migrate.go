package cmd

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/agenttrail-systems/agenttrail/cli/internal/output"
)

var (
	migrateDSN    string
	migrateSource string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
	Long: `Apply or revert schema migrations against the Postgres store.

Migrations live under migrations/ and produce the partitioned
agent_events table used in production. The pipeline's own EnsureSchema
covers development setups; run migrations for anything long-lived.

Examples:
  # Apply all pending migrations using the configured DSN
  agenttrail migrate up

  # Revert the most recent migration on another database
  agenttrail migrate down --dsn postgres://app:secret@db:5432/events`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert the most recent migration",
	RunE:  runMigrateDown,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE:  runMigrateVersion,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	migrateCmd.PersistentFlags().StringVar(&migrateDSN, "dsn", "", "Postgres connection string (default: store.postgres.dsn from config)")
	migrateCmd.PersistentFlags().StringVar(&migrateSource, "source", "file://migrations", "migration source URL")
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	m, err := openMigrate()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			output.Info("Schema is already up to date")
			return nil
		}
		return err
	}
	output.Success("Migrations applied")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	m, err := openMigrate()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil {
		// Steps(-1) reports os.ErrNotExist when the schema is already
		// at the nil version.
		if err == migrate.ErrNoChange || err == os.ErrNotExist {
			output.Info("Nothing to revert")
			return nil
		}
		return err
	}
	output.Success("Reverted one migration")
	return nil
}

func runMigrateVersion(cmd *cobra.Command, args []string) error {
	m, err := openMigrate()
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		output.Info("No migrations applied yet")
		return nil
	}
	if err != nil {
		return err
	}
	if dirty {
		output.Warn("Schema version %d (dirty)", version)
		return nil
	}
	output.Info("Schema version %d", version)
	return nil
}

func openMigrate() (*migrate.Migrate, error) {
	dsn := migrateDSN
	if dsn == "" {
		dsn = cfg.Store.Postgres.DSN
	}
	m, err := migrate.New(migrateSource, dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize migrations: %w", err)
	}
	return m, nil
}
