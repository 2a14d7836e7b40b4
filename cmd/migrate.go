package cmd

import (
	"fmt"
	"log/slog"

	"github.com/quellen-ai/quellen/db"
	"github.com/quellen-ai/quellen/internal/config"
)

// runMigrate applies pending database migrations and exits. Serving also
// migrates on startup; this command exists for deploy pipelines that
// migrate before rolling the server.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("migrations applied", "database", cfg.PostgresDBName)
	return nil
}
