// Package app builds the service graph from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/expense-assistant/internal/amqp"
	"github.com/dvloznov/expense-assistant/internal/config"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/gcsarchive"
	infraBQ "github.com/dvloznov/expense-assistant/internal/infra/bigquery"
	"github.com/dvloznov/expense-assistant/internal/infra/cache"
	"github.com/dvloznov/expense-assistant/internal/infra/sqlite"
	"github.com/dvloznov/expense-assistant/internal/ledger"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
	"github.com/rs/zerolog"
)

// CategorySeeder writes taxonomy entries for a tracker.
type CategorySeeder interface {
	InsertCategory(ctx context.Context, trackerID string, entry domain.CategoryEntry) (string, error)
}

// CategoryDeactivator hides taxonomy entries of a tracker.
type CategoryDeactivator interface {
	DeactivateCategory(ctx context.Context, trackerID, categoryID string) error
}

// App is the assembled service graph.
type App struct {
	Categories pipeline.CategoryStore
	Seeder     CategorySeeder
	Taxonomy   *pipeline.TaxonomyProvider
	Gateway    pipeline.Gateway
	Assistant  *pipeline.Assistant
	Ledger     *ledger.Ledger

	// Optional collaborators, nil when not configured.
	Archive     *gcsarchive.Archive
	Publisher   *amqp.Publisher
	Deactivator CategoryDeactivator

	cache   *cache.CategoryStore
	closers []func() error
}

// Build wires storage, gateway and optional collaborators for cfg.
// Optional collaborators that fail to start are logged and skipped.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{}

	var (
		categories pipeline.CategoryStore
		usage      ledger.Store
	)
	switch cfg.DataBackend {
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("Build: open sqlite: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		store := sqlite.NewCategoryStore(db)
		categories, a.Seeder, a.Deactivator = store, store, store
		usage = sqlite.NewUsageStore(db)
		log.Info().Str("db_path", cfg.SQLiteDBPath).Msg("Initialized SQLite backend")

	case config.BackendBigQuery:
		bqCfg := infraBQ.Config{ProjectID: cfg.BigQueryProject, DatasetID: cfg.BigQueryDataset}
		client, err := infraBQ.NewClient(ctx, bqCfg)
		if err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		repo := infraBQ.NewCategoryRepository(client, bqCfg)
		categories, a.Seeder = repo, repo
		usage = infraBQ.NewUsageRepository(client, bqCfg)
		log.Info().Str("project", cfg.BigQueryProject).Str("dataset", cfg.BigQueryDataset).Msg("Initialized BigQuery backend")

	default:
		return nil, fmt.Errorf("Build: unsupported data backend %q", cfg.DataBackend)
	}

	if cfg.TaxonomyTTL > 0 {
		a.cache = cache.NewCategoryStore(categories, cfg.TaxonomyTTL)
		categories = a.cache
	}
	a.Categories = categories
	a.Taxonomy = pipeline.NewTaxonomyProvider(categories, pipeline.BuiltinTaxonomy())
	a.Ledger = ledger.New(usage, cfg.Location())

	gateway, err := pipeline.NewGeminiGateway(ctx, cfg.Gateway())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("Build: %w", err)
	}
	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("No model API key configured - parse and chat requests will fail with ConfigurationError")
	}
	a.Gateway = gateway
	if cfg.LLMMaxAttempts > 1 {
		a.Gateway = pipeline.WithRetry(gateway, cfg.Retry())
	}

	opts := []pipeline.AssistantOption{pipeline.WithDefaultCurrency(cfg.DefaultCurrency)}

	if cfg.ArchiveBucket != "" {
		archive, err := gcsarchive.New(ctx, cfg.ArchiveBucket)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize model output archive, continuing without it")
		} else {
			a.Archive = archive
			a.closers = append(a.closers, archive.Close)
			opts = append(opts, pipeline.WithArchive(archive))
			log.Info().Str("bucket", cfg.ArchiveBucket).Msg("Archiving model outputs")
		}
	}

	if cfg.AMQPURL != "" {
		pub, err := amqp.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize AMQP publisher, continuing without hand-off")
		} else {
			a.Publisher = pub
			a.closers = append(a.closers, pub.Close)
			log.Info().Str("exchange", cfg.AMQPExchange).Str("queue", cfg.AMQPQueue).Msg("Initialized AMQP publisher")
		}
	}

	a.Assistant = pipeline.NewAssistant(a.Taxonomy, a.Gateway, opts...)
	return a, nil
}

// SeedTracker loads the built-in taxonomy for trackerID.
func (a *App) SeedTracker(ctx context.Context, trackerID string) (int, error) {
	n, err := SeedTaxonomy(ctx, a.Seeder, trackerID, pipeline.BuiltinTaxonomy())
	a.invalidate(trackerID)
	return n, err
}

// DeactivateCategory hides a category from trackerID's future prompts.
func (a *App) DeactivateCategory(ctx context.Context, trackerID, categoryID string) error {
	if a.Deactivator == nil {
		return fmt.Errorf("DeactivateCategory: backend does not support category lifecycle")
	}
	if trackerID == "" || categoryID == "" {
		return fmt.Errorf("DeactivateCategory: tracker and category ids are required")
	}
	if err := a.Deactivator.DeactivateCategory(ctx, trackerID, categoryID); err != nil {
		return err
	}
	a.invalidate(trackerID)
	return nil
}

func (a *App) invalidate(trackerID string) {
	if a.cache != nil {
		a.cache.Invalidate(trackerID)
	}
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
