package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/scrypster/checkpoint/internal/backup"
	"github.com/scrypster/checkpoint/internal/checkpoint"
	"github.com/scrypster/checkpoint/internal/config"
	"github.com/scrypster/checkpoint/internal/engine"
	"github.com/scrypster/checkpoint/internal/ingest"
	"github.com/scrypster/checkpoint/internal/llm"
	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/internal/storage/postgres"
	"github.com/scrypster/checkpoint/internal/storage/sqlite"
	"github.com/scrypster/checkpoint/pkg/types"
)

// App is the wired set of components behind both the HTTP server and the
// command line.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store      storage.MetadataStore
	Index      storage.VectorIndex
	Embedder   llm.Embedder
	Generator  llm.Generator
	Manager    *checkpoint.Manager
	Pipeline   *ingest.Pipeline
	Reconciler *ingest.Reconciler
	Engine     *engine.Engine
}

// Open opens the stores and providers named by cfg and wires the components.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, index, err := OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	embedder, err := llm.NewEmbedder(ctx, cfg.LLM.EmbedderConfig())
	if err != nil {
		_ = closeAll(store, index)
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	generator, err := llm.NewGenerator(ctx, cfg.LLM.GeneratorConfig())
	if err != nil {
		_ = closeAll(store, index)
		return nil, fmt.Errorf("generation provider: %w", err)
	}

	return Wire(cfg, store, index, embedder, generator, logger)
}

// Wire builds an App from already opened stores and providers.
func Wire(cfg *config.Config, store storage.MetadataStore, index storage.VectorIndex, embedder llm.Embedder, generator llm.Generator, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eng, err := engine.New(store, index, embedder, generator, cfg.Engine.Engine(), logger.With("component", "engine"))
	if err != nil {
		return nil, err
	}
	pipeline := ingest.NewPipeline(store, index, embedder, cfg.Ingest.Pipeline(), logger.With("component", "ingest"))

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Index:      index,
		Embedder:   embedder,
		Generator:  generator,
		Manager:    checkpoint.NewManager(store, index, logger.With("component", "checkpoint")),
		Pipeline:   pipeline,
		Reconciler: pipeline.Reconciler(),
		Engine:     eng,
	}, nil
}

// OpenStorage opens checkpoint.db under the data path and the configured
// vector backend.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (storage.MetadataStore, storage.VectorIndex, error) {
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := sqlite.NewMetadataStore(ctx, cfg.MetadataPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	var index storage.VectorIndex
	switch cfg.VectorBackend {
	case "postgres":
		index, err = postgres.NewVectorStore(ctx, cfg.PostgresDSN)
	case "sqlite", "":
		index, err = sqlite.NewVectorStore(ctx, cfg.VectorPath())
	default:
		err = fmt.Errorf("%w: unknown vector backend %q", types.ErrInvalidConfiguration, cfg.VectorBackend)
	}
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	return store, index, nil
}

// NewBackupService backs up checkpoint.db and, with the SQLite backend,
// vectors.db. A PostgreSQL vector database is backed up with its own tools.
func NewBackupService(cfg *config.Config, logger *slog.Logger) (*backup.Service, error) {
	targets := []backup.Target{{Name: "checkpoint", Path: cfg.Storage.MetadataPath()}}
	if cfg.Storage.VectorBackend != "postgres" {
		targets = append(targets, backup.Target{Name: "vectors", Path: cfg.Storage.VectorPath()})
	}
	return backup.NewService(backup.Config{
		Targets:  targets,
		Dir:      cfg.Backup.Path,
		Interval: cfg.Backup.Interval,
		Verify:   cfg.Backup.Verify,
		Retention: backup.RetentionPolicy{
			Hourly:  cfg.Backup.RetentionHourly,
			Daily:   cfg.Backup.RetentionDaily,
			Weekly:  cfg.Backup.RetentionWeekly,
			Monthly: cfg.Backup.RetentionMonthly,
		},
	}, logger)
}

// Repair completes or removes documents left pending by an interrupted run
// in every checkpoint.
func (a *App) Repair(ctx context.Context) error {
	summaries, err := a.Reconciler.RepairAll(ctx)
	for _, s := range summaries {
		if s.Committed+s.Completed+s.Deleted > 0 || len(s.Errors) > 0 {
			a.Logger.Info("repaired pending documents",
				"checkpoint", s.CheckpointVersion,
				"committed", s.Committed,
				"completed", s.Completed,
				"deleted", s.Deleted,
				"errors", len(s.Errors))
		}
	}
	return err
}

// Close releases both stores.
func (a *App) Close() error {
	return closeAll(a.Store, a.Index)
}

func closeAll(store storage.MetadataStore, index storage.VectorIndex) error {
	return errors.Join(store.Close(), index.Close())
}
