package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/allyourbase/alterd/internal/alter"
	"github.com/allyourbase/alterd/internal/backend"
	"github.com/allyourbase/alterd/internal/catalog"
	"github.com/allyourbase/alterd/internal/config"
	"github.com/allyourbase/alterd/internal/editlog"
	"github.com/allyourbase/alterd/internal/image"
)

func openJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (editlog.Log, error) {
	return editlog.Open(ctx, editlog.Options{
		Backend: cfg.Journal.Backend,
		Path:    cfg.Journal.Path,
		URL:     cfg.Journal.URL,
	}, logger)
}

// openImageStore returns nil when checkpoint images are disabled.
func openImageStore(ctx context.Context, cfg *config.Config) (image.Store, error) {
	if !cfg.Image.Enabled {
		return nil, nil
	}
	switch cfg.Image.Backend {
	case "s3":
		return image.NewMinioStore(ctx,
			image.WithEndpoint(cfg.Image.S3Endpoint),
			image.WithBucket(cfg.Image.S3Bucket),
			image.WithRegion(cfg.Image.S3Region),
			image.WithAccessKey(cfg.Image.S3AccessKey),
			image.WithSecretKey(cfg.Image.S3SecretKey),
			image.WithSSL(cfg.Image.S3UseSSL),
		)
	default:
		return image.NewLocalStore(cfg.Image.LocalPath)
	}
}

// handlerBuilder wires alter handlers to the simulated cluster and the
// given journal.
func handlerBuilder(cfg *config.Config, log editlog.Log, logger *slog.Logger) func(*catalog.Catalog) *alter.Handler {
	latency := time.Duration(cfg.Backend.SimulatedLatencyMs) * time.Millisecond
	sim := backend.NewSimulated(logger, latency)
	journal := alter.NewJournal(log)
	return func(cat *catalog.Catalog) *alter.Handler {
		return alter.NewHandler(&alter.JobEnv{
			Catalog:   cat,
			Agent:     sim,
			Txns:      sim,
			Publisher: sim,
			Journal:   journal,
			Logger:    logger,
		}, alter.Config{
			MaxRunningPerTable:    cfg.Alter.MaxRunningRollupJobNumPerTable,
			DefaultTimeoutSeconds: int64(cfg.Alter.AlterTableTimeoutSecond),
		})
	}
}

// recoverHandler rebuilds metadata from the newest image in store and the
// journal entries after it.
func recoverHandler(ctx context.Context, cfg *config.Config, store image.Store, log editlog.Log, logger *slog.Logger) (*alter.Handler, error) {
	h, err := image.Recover(ctx, store, log, catalog.RunMode(cfg.Backend.RunMode), handlerBuilder(cfg, log, logger), logger)
	if err != nil {
		return nil, fmt.Errorf("recovering metadata: %w", err)
	}
	return h, nil
}
