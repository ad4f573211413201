package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gewegate/internal/config"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	// Allow env override (used by Docker entrypoint).
	if v := os.Getenv("GEWEGATE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func resolveDSN() (string, error) {
	// The DSN is a secret; prefer the environment over the config file.
	if v := os.Getenv("GEWE_POSTGRES_DSN"); v != "" {
		return v, nil
	}
	snap, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if snap.Storage.PostgresDSN == "" {
		return "", fmt.Errorf("GEWE_POSTGRES_DSN is not set and storage.postgres_dsn is empty")
	}
	return snap.Storage.PostgresDSN, nil
}

func newMigrator() (*migrate.Migrate, error) {
	dsn, err := resolveDSN()
	if err != nil {
		return nil, err
	}
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Registry database migration management",
	}

	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations next to the binary)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			m, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := m.Up(); err != nil && err != migrate.ErrNoChange {
				fmt.Fprintf(os.Stderr, "migrate up: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("migrations applied")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migration",
		Run: func(cmd *cobra.Command, args []string) {
			m, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := m.Steps(-1); err != nil {
				fmt.Fprintf(os.Stderr, "migrate down: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("reverted one migration")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current migration version",
		Run: func(cmd *cobra.Command, args []string) {
			m, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			v, dirty, err := m.Version()
			if err != nil {
				fmt.Fprintf(os.Stderr, "migrate version: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("version %d (dirty=%v)\n", v, dirty)
		},
	})

	return cmd
}
