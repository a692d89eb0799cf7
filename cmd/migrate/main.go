package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"github.com/ignite/campaign-dispatcher/internal/config"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
	"github.com/ignite/campaign-dispatcher/internal/repository/postgres"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migrations for the campaign store",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runUp,
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE:  runDown,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getMigrator(ctx context.Context) (*migrate.Migrate, error) {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	logger.Configure(cfg.Log.Level, "text")

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(postgres.Migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

func runUp(cmd *cobra.Command, _ []string) error {
	logger.Info("running migrations")

	m, err := getMigrator(cmd.Context())
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("migrations completed")
	return nil
}

func runDown(cmd *cobra.Command, _ []string) error {
	logger.Info("rolling back last migration")

	m, err := getMigrator(cmd.Context())
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	logger.Info("rollback completed")
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	m, err := getMigrator(cmd.Context())
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("No migrations have been applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	fmt.Printf("Current version: %d\n", version)
	fmt.Printf("Dirty: %v\n", dirty)
	return nil
}
