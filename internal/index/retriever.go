package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/quellen-ai/quellen/internal/store"
)

// similarityFloor drops matches too dissimilar to be useful. Applied
// after reranking, before truncation to topK.
const similarityFloor = 0.5

// QueryExtender produces alternative phrasings of a search query to
// widen recall. Implementations may call an LLM.
type QueryExtender interface {
	Extend(ctx context.Context, query string) ([]string, error)
}

// Reranker reorders candidate matches by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, matches []Match) ([]Match, error)
}

// RetrieverOpts tunes a ThreadRetriever.
type RetrieverOpts struct {
	TopK       int
	PreRerankK int

	// Extender and Reranker are optional recall/precision hooks.
	Extender QueryExtender
	Reranker Reranker
}

// ThreadRetriever indexes thread content and retrieves threads by
// semantic similarity.
type ThreadRetriever struct {
	store  *store.Store
	embed  *EmbeddingService
	index  *VectorIndex
	opts   RetrieverOpts
	logger *slog.Logger
}

// NewThreadRetriever creates a ThreadRetriever.
func NewThreadRetriever(st *store.Store, embed *EmbeddingService, idx *VectorIndex, opts RetrieverOpts, logger *slog.Logger) (*ThreadRetriever, error) {
	if st == nil || embed == nil || idx == nil {
		return nil, fmt.Errorf("store, embedding service and vector index are required")
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.PreRerankK < opts.TopK {
		opts.PreRerankK = opts.TopK * 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadRetriever{store: st, embed: embed, index: idx, opts: opts, logger: logger}, nil
}

// IndexThread rebuilds the embedding for a thread from its current
// content. A thread with no indexable content is skipped; any stale
// embedding for it is removed.
func (r *ThreadRetriever) IndexThread(ctx context.Context, threadID uuid.UUID) error {
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("loading thread: %w", err)
	}
	queries, err := r.store.ThreadHistory(ctx, threadID)
	if err != nil {
		return err
	}
	tags, err := r.store.TagsForThread(ctx, threadID)
	if err != nil {
		return err
	}

	doc := buildThreadDocument(thread, queries, tags)
	if doc == "" {
		if delErr := r.index.Delete(ctx, threadID); delErr != nil && !errors.Is(delErr, ErrNotIndexed) {
			return delErr
		}
		return nil
	}

	vec, err := r.embed.EmbedDocument(ctx, doc)
	if err != nil {
		return err
	}

	metadata := map[string]any{}
	if thread.Title != nil {
		metadata["title"] = *thread.Title
	}
	if len(tags) > 0 {
		names := make([]string, len(tags))
		for i, t := range tags {
			names[i] = t.Name
		}
		metadata["tags"] = names
	}

	var namespace *string
	if thread.UserID != nil {
		namespace = thread.UserID
	}
	return r.index.Upsert(ctx, threadID, doc, vec, metadata, namespace)
}

// Search returns threads semantically similar to the query, most similar
// first. Matches scoring below the similarity floor are dropped. A nil
// namespace searches all namespaces.
func (r *ThreadRetriever) Search(ctx context.Context, query string, namespace *string) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	candidateK := r.opts.TopK
	if r.opts.Reranker != nil {
		candidateK = r.opts.PreRerankK
	}

	merged := map[uuid.UUID]Match{}
	for _, q := range r.searchQueries(ctx, query) {
		vec, err := r.embed.EmbedQuery(ctx, q)
		if err != nil {
			return nil, err
		}
		matches, err := r.index.Search(ctx, vec, candidateK, namespace)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if prev, ok := merged[m.ThreadID]; !ok || m.Similarity > prev.Similarity {
				merged[m.ThreadID] = m
			}
		}
	}

	candidates := make([]Match, 0, len(merged))
	for _, m := range merged {
		candidates = append(candidates, m)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})

	if r.opts.Reranker != nil && len(candidates) > 1 {
		reranked, err := r.opts.Reranker.Rerank(ctx, query, candidates)
		if err != nil {
			r.logger.Warn("reranking failed, using vector order", "error", err)
		} else {
			candidates = reranked
		}
	}

	return applyFloor(candidates, r.opts.TopK), nil
}

// applyFloor drops matches scoring below the similarity floor and
// truncates to topK.
func applyFloor(candidates []Match, topK int) []Match {
	results := candidates[:0]
	for _, m := range candidates {
		if m.Similarity >= similarityFloor {
			results = append(results, m)
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// searchQueries returns the original query plus any extensions. Extension
// failures degrade to the original query alone.
func (r *ThreadRetriever) searchQueries(ctx context.Context, query string) []string {
	queries := []string{query}
	if r.opts.Extender == nil {
		return queries
	}

	extended, err := r.opts.Extender.Extend(ctx, query)
	if err != nil {
		r.logger.Warn("query extension failed", "error", err)
		return queries
	}

	seen := map[string]bool{query: true}
	for _, q := range extended {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		queries = append(queries, q)
	}
	return queries
}

// buildThreadDocument assembles the text that represents a thread in the
// index: title, each question with its answer, and the distinct tag names.
// Returns "" when the thread has nothing worth indexing.
func buildThreadDocument(thread *store.Thread, queries []*store.Query, tags []*store.Tag) string {
	var b strings.Builder

	if thread.Title != nil && *thread.Title != "" {
		b.WriteString(*thread.Title)
		b.WriteString("\n\n")
	}

	for _, q := range queries {
		if q.Text == "" {
			continue
		}
		b.WriteString("Question: ")
		b.WriteString(q.Text)
		b.WriteString("\n")
		if q.Result != nil && *q.Result != "" {
			b.WriteString("Answer: ")
			b.WriteString(*q.Result)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(tags) > 0 {
		names := make([]string, 0, len(tags))
		seen := map[string]bool{}
		for _, t := range tags {
			if t.Name == "" || seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			names = append(names, t.Name)
		}
		if len(names) > 0 {
			b.WriteString("Topics: ")
			b.WriteString(strings.Join(names, ", "))
			b.WriteString("\n")
		}
	}

	return strings.TrimSpace(b.String())
}
