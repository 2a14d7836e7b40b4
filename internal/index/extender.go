package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quellen-ai/quellen/internal/genai"
	"github.com/quellen-ai/quellen/internal/stream"
)

const extendSystemPrompt = `You rewrite a search query into alternative phrasings that widen recall.

Respond with JSON only, no prose, in this exact shape:
{"queries": ["..."]}

Rules:
- 2 to 3 rewrites
- each rewrite keeps the original meaning but uses different wording
- never include the original query itself`

const maxExtendedQueries = 3

// ModelExtender is a QueryExtender backed by a utility model. Failures are
// reported to the caller, which falls back to the original query alone.
type ModelExtender struct {
	llm    genai.Generator
	model  string
	logger *slog.Logger
}

// NewModelExtender creates a ModelExtender using the given model identifier.
func NewModelExtender(llm genai.Generator, model string, logger *slog.Logger) (*ModelExtender, error) {
	if llm == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelExtender{llm: llm, model: model, logger: logger}, nil
}

// Extend implements QueryExtender.
func (e *ModelExtender) Extend(ctx context.Context, query string) ([]string, error) {
	res, err := e.llm.Generate(ctx, genai.Request{
		Model:  e.model,
		System: extendSystemPrompt,
		Messages: []genai.Message{
			{Role: genai.RoleUser, Content: query},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extending query: %w", err)
	}

	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(stream.Clean(res.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("parsing extended queries: %w", err)
	}

	out := make([]string, 0, maxExtendedQueries)
	for _, q := range parsed.Queries {
		q = strings.TrimSpace(q)
		if q == "" || strings.EqualFold(q, query) {
			continue
		}
		out = append(out, q)
		if len(out) == maxExtendedQueries {
			break
		}
	}
	return out, nil
}
