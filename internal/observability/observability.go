// Package observability exports traces to an OTLP HTTP collector.
package observability

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config names the collector endpoint and service identity.
type Config struct {
	// OTLPEndpoint is host:port of the collector. Empty disables tracing.
	OTLPEndpoint string
	ServiceName  string
	Environment  string
}

// Setup wires an OTLP span exporter into Genkit's tracer provider so all
// generation spans are exported. Must run before Genkit initialization.
// The returned function flushes and shuts the exporter down.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OTLPEndpoint == "" {
		return func() {}
	}

	// Genkit's TracerProvider reads service identity from the standard
	// OTEL env vars. Set exactly once during startup, before goroutines.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating OTLP exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", cfg.OTLPEndpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	shutdown := tracing.TracerProvider().Shutdown
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}
