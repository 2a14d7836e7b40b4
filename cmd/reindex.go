package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/quellen-ai/quellen/internal/app"
	"github.com/quellen-ai/quellen/internal/config"
)

// runReindex re-embeds every thread. Used after changing the embedder
// model, when stored vectors no longer match new queries. Changing the
// dimension additionally needs a migration altering the vector column
// before reindexing.
func runReindex() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	ids, err := a.Store.ListThreadIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}
	logger.Info("reindexing threads", "count", len(ids))

	var failed int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reindex interrupted: %w", err)
		}
		if err := a.Retriever.IndexThread(ctx, id); err != nil {
			failed++
			logger.Warn("reindexing thread failed", "thread_id", id, "error", err)
		}
	}

	logger.Info("reindex complete", "total", len(ids), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("reindex finished with %d of %d threads failed", failed, len(ids))
	}
	return nil
}
