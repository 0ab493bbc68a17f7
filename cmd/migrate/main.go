package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dvloznov/expense-assistant/internal/config"
	infraBQ "github.com/dvloznov/expense-assistant/internal/infra/bigquery"
	"github.com/dvloznov/expense-assistant/internal/infra/sqlite"
	"github.com/dvloznov/expense-assistant/internal/logger"
)

func main() {
	cfg := config.Load()

	var (
		backend       = flag.String("backend", cfg.DataBackend, "Storage backend to migrate: sqlite or bigquery")
		dbPath        = flag.String("db", cfg.SQLiteDBPath, "SQLite database path")
		projectID     = flag.String("project", cfg.BigQueryProject, "GCP project ID (bigquery)")
		datasetID     = flag.String("dataset", cfg.BigQueryDataset, "BigQuery dataset ID")
		appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
		migrationsDir = flag.String("migrations", "", "Directory of NNNN_name.sql files (bigquery, defaults to the embedded set)")
	)
	flag.Parse()

	log := logger.NewWithConfig(cfg.LogLevel, cfg.LogFormat)
	ctx := logger.WithContext(context.Background(), log)

	switch *backend {
	case config.BackendSQLite:
		if err := sqlite.RunMigrations(*dbPath); err != nil {
			log.Fatal().Err(err).Str("db_path", *dbPath).Msg("SQLite migration failed")
		}
		log.Info().Str("db_path", *dbPath).Msg("SQLite schema is up to date")

	case config.BackendBigQuery:
		bqCfg := infraBQ.Config{ProjectID: *projectID, DatasetID: *datasetID}
		n, err := migrateBigQuery(ctx, bqCfg, *migrationsDir, *appliedBy)
		if err != nil {
			log.Fatal().Err(err).Msg("BigQuery migration failed")
		}
		if n == 0 {
			log.Info().Msg("No new migrations to apply. Database is up to date.")
		} else {
			log.Info().Int("applied", n).Msg("Successfully applied migrations")
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown backend: %s (want %s or %s)\n", *backend, config.BackendSQLite, config.BackendBigQuery)
		os.Exit(2)
	}
}

func migrateBigQuery(ctx context.Context, cfg infraBQ.Config, dir, appliedBy string) (int, error) {
	if cfg.ProjectID == "" {
		return 0, fmt.Errorf("-project flag is required. Please specify your GCP project ID")
	}

	migrations, err := loadMigrations(dir, cfg)
	if err != nil {
		return 0, err
	}

	log := logger.FromContext(ctx)
	log.Info().Int("found", len(migrations)).Str("project", cfg.ProjectID).Msg("Read migration files")

	client, err := infraBQ.NewClient(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	return infraBQ.NewMigrator(client, cfg, appliedBy).Apply(ctx, migrations)
}

// loadMigrations reads dir, or the embedded migrations when dir is empty.
func loadMigrations(dir string, cfg infraBQ.Config) ([]infraBQ.Migration, error) {
	if dir == "" {
		return infraBQ.ReadMigrations(infraBQ.Migrations, "migrations", cfg)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("migrations directory not found: %s", dir)
	}
	return infraBQ.ReadMigrations(os.DirFS(dir), ".", cfg)
}
