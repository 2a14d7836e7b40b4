// Package app wires application components together.
//
// App is the dependency container. Setup builds it in dependency order
// (tracing, database, Genkit, index, pipeline, HTTP server) and Close
// releases resources in reverse.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quellen-ai/quellen/internal/answer"
	"github.com/quellen-ai/quellen/internal/api"
	"github.com/quellen-ai/quellen/internal/config"
	"github.com/quellen-ai/quellen/internal/index"
	"github.com/quellen-ai/quellen/internal/store"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool      *pgxpool.Pool
	Genkit    *genkit.Genkit
	Store     *store.Store
	Retriever *index.ThreadRetriever
	Pipeline  *answer.Pipeline
	Server    *api.Server

	otelCleanup func()
}

// Close releases all resources. Safe to call on a partially built App.
func (a *App) Close() error {
	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
