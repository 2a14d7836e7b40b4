// Package api serves the HTTP API: thread and query management, the SSE
// answer stream, semantic thread search, and health probes.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig contains the dependencies of the API server.
type ServerConfig struct {
	Logger   *slog.Logger
	Store    apiStore       // Required
	Pipeline answerRunner   // Required
	Searcher threadSearcher // Optional: nil disables /api/search
	Pool     *pgxpool.Pool  // Optional: nil disables pool stats in /ready

	TrustProxy bool // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst  int  // Rate limiter burst per IP (0 = default 60)
}

// Server is the HTTP API server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("answer pipeline is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	th := &threadHandler{store: cfg.Store, logger: logger}
	ah := &answerHandler{pipeline: cfg.Pipeline, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/model-groups", th.createModelGroup)
	mux.HandleFunc("GET /api/model-groups", th.listModelGroups)

	mux.HandleFunc("POST /api/threads", th.createThread)
	mux.HandleFunc("GET /api/threads/{threadID}", th.getThread)
	mux.HandleFunc("DELETE /api/threads/{threadID}", th.deleteThread)
	mux.HandleFunc("POST /api/threads/{threadID}/queries", th.createQuery)

	mux.HandleFunc("GET /api/threads/{threadID}/queries/{queryID}/answer", ah.stream)

	if cfg.Searcher != nil {
		sh := &searchHandler{searcher: cfg.Searcher, store: cfg.Store, logger: logger}
		mux.HandleFunc("GET /api/search", sh.search)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery -> RequestID -> Logging -> RateLimit -> Routes
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
