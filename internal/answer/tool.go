package answer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/quellen-ai/quellen/internal/search"
)

// recorderKey carries the per-run recorder through the generation context
// so the globally registered tool can report into the right run.
type recorderKey struct{}

func withRecorder(ctx context.Context, r *runRecorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

func recorderFrom(ctx context.Context) *runRecorder {
	r, _ := ctx.Value(recorderKey{}).(*runRecorder)
	return r
}

// SearchInput is the model-facing input of the webSearch tool.
type SearchInput struct {
	Query string `json:"query" jsonschema_description:"The search query"`
}

// SearchResult is one result returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// SearchOutput is the model-facing output of the webSearch tool.
type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

// SearchTool exposes web search to the model and reports each invocation
// to the active answer run.
type SearchTool struct {
	client *search.Client
	logger *slog.Logger
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(client *search.Client, logger *slog.Logger) (*SearchTool, error) {
	if client == nil {
		return nil, fmt.Errorf("search client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchTool{client: client, logger: logger}, nil
}

// Register defines the tool on the Genkit registry. Call once per process.
func (t *SearchTool) Register(g *genkit.Genkit) ai.Tool {
	return genkit.DefineTool(g, "webSearch",
		"Search the web for current information. "+
			"Use this whenever the question needs facts you are not certain about, "+
			"recent events, or anything with a date, number, or name worth verifying.",
		t.run)
}

func (t *SearchTool) run(tctx *ai.ToolContext, input SearchInput) (SearchOutput, error) {
	if input.Query == "" {
		return SearchOutput{Error: "query is required"}, nil
	}

	rec := recorderFrom(tctx)
	if rec != nil {
		if err := rec.recordStep(tctx, input.Query); err != nil {
			return SearchOutput{}, err
		}
	}

	resp := t.client.Search(tctx, input.Query)
	if resp.Error != "" {
		// Search failures are reported to the model, not raised: the
		// model can retry with another query or answer without sources.
		t.logger.Warn("web search failed", "query", input.Query, "error", resp.Error)
		return SearchOutput{Query: input.Query, Error: resp.Error}, nil
	}

	if rec != nil {
		if err := rec.recordSources(tctx, resp.Results); err != nil {
			return SearchOutput{}, err
		}
	}

	out := SearchOutput{Query: input.Query, Results: make([]SearchResult, 0, len(resp.Results))}
	for _, r := range resp.Results {
		out.Results = append(out.Results, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
		})
	}
	return out, nil
}
