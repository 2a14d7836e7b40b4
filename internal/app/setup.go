package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quellen-ai/quellen/db"
	"github.com/quellen-ai/quellen/internal/answer"
	"github.com/quellen-ai/quellen/internal/api"
	"github.com/quellen-ai/quellen/internal/config"
	"github.com/quellen-ai/quellen/internal/genai"
	"github.com/quellen-ai/quellen/internal/index"
	"github.com/quellen-ai/quellen/internal/metadata"
	"github.com/quellen-ai/quellen/internal/observability"
	"github.com/quellen-ai/quellen/internal/search"
	"github.com/quellen-ai/quellen/internal/store"
)

// Setup creates and initializes the application.
// On error, everything already initialized is released.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing must be wired before Genkit initialization so generation
	// spans land on the registered exporter.
	a.otelCleanup = observability.Setup(ctx, observability.Config{
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
	}, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, err := genai.Instance(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing genkit: %w", err)
	}
	a.Genkit = g

	embedder := genai.Embedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	st, err := store.New(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	a.Store = st

	llm, err := genai.NewGenkitGenerator(g, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("creating generator: %w", err)
	}

	retriever, err := provideRetriever(cfg, st, pool, embedder, llm, logger)
	if err != nil {
		return nil, err
	}
	a.Retriever = retriever

	pipeline, err := providePipeline(cfg, g, st, llm, retriever, logger)
	if err != nil {
		return nil, err
	}
	a.Pipeline = pipeline

	server, err := api.NewServer(api.ServerConfig{
		Logger:     logger,
		Store:      st,
		Pipeline:   pipeline,
		Searcher:   retriever,
		Pool:       pool,
		TrustProxy: cfg.TrustProxy,
		RateBurst:  rateBurstFromEnv(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = server

	return a, nil
}

// rateBurstFromEnv reads QUELLEN_RATE_BURST from the environment.
// Returns 0 (use default) if unset or invalid.
func rateBurstFromEnv() int {
	v := os.Getenv("QUELLEN_RATE_BURST")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// provideDBPool runs migrations and creates the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideRetriever builds the embedding service, vector index and thread
// retriever, with the model-backed query extender when enabled.
func provideRetriever(cfg *config.Config, st *store.Store, pool *pgxpool.Pool, embedder ai.Embedder, llm genai.Generator, logger *slog.Logger) (*index.ThreadRetriever, error) {
	embedSvc, err := index.NewEmbeddingService(embedder, cfg.RawDimension, cfg.Dimension)
	if err != nil {
		return nil, fmt.Errorf("creating embedding service: %w", err)
	}

	vecIdx, err := index.NewVectorIndex(pool, index.MetricCosine, logger)
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}

	opts := index.RetrieverOpts{
		TopK:       cfg.Retrieval.TopK,
		PreRerankK: cfg.Retrieval.PreRerankK,
	}
	if cfg.Retrieval.ExtendQueries {
		ext, err := index.NewModelExtender(llm, cfg.Retrieval.ExtendModel, logger)
		if err != nil {
			return nil, fmt.Errorf("creating query extender: %w", err)
		}
		opts.Extender = ext
	}

	retriever, err := index.NewThreadRetriever(st, embedSvc, vecIdx, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("creating thread retriever: %w", err)
	}
	return retriever, nil
}

// providePipeline registers the web search tool and assembles the answer
// pipeline with the metadata generator and thread indexer.
func providePipeline(cfg *config.Config, g *genkit.Genkit, st *store.Store, llm genai.Generator, retriever *index.ThreadRetriever, logger *slog.Logger) (*answer.Pipeline, error) {
	searchClient := search.NewClient(search.Config{
		BaseURL:      cfg.Search.BaseURL,
		Timeout:      time.Duration(cfg.Search.TimeoutMs) * time.Millisecond,
		FetchContent: cfg.Search.FetchContent,
	}, logger)

	tool, err := answer.NewSearchTool(searchClient, logger)
	if err != nil {
		return nil, fmt.Errorf("creating search tool: %w", err)
	}
	toolRef := tool.Register(g)

	meta, err := metadata.NewGenerator(llm, st, logger)
	if err != nil {
		return nil, fmt.Errorf("creating metadata generator: %w", err)
	}

	pipeline, err := answer.NewPipeline(st, llm, meta, retriever, []ai.ToolRef{toolRef}, answer.Config{
		MaxTurns:        cfg.Answer.MaxTurns,
		GenerateTimeout: time.Duration(cfg.Answer.GenerateTimeoutMs) * time.Millisecond,
		BlockingWrites:  cfg.Answer.BlockingWrites,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating answer pipeline: %w", err)
	}
	return pipeline, nil
}
