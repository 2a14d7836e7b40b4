// Package index maintains the semantic thread index: it embeds thread
// documents, stores the vectors in pgvector and answers nearest-neighbor
// searches over them.
package index

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// searchQueryPrefix is prepended to search inputs before embedding so the
// model distinguishes queries from the documents they are matched against.
const searchQueryPrefix = "search_query: "

// EmbedTimeout bounds a single embedding call.
const EmbedTimeout = 30 * time.Second

// EmbeddingService produces fixed-dimension vectors from text.
//
// The provider returns rawDim-dimensional embeddings; these are reduced to
// dim dimensions by layer normalization, truncation and L2 renormalization,
// which preserves nearest-neighbor ordering for models trained with
// Matryoshka representation learning.
type EmbeddingService struct {
	embedder ai.Embedder
	rawDim   int
	dim      int
}

// NewEmbeddingService creates an EmbeddingService.
func NewEmbeddingService(embedder ai.Embedder, rawDim, dim int) (*EmbeddingService, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if rawDim <= 0 || dim <= 0 || dim > rawDim {
		return nil, fmt.Errorf("invalid dimensions: raw=%d target=%d", rawDim, dim)
	}
	return &EmbeddingService{embedder: embedder, rawDim: rawDim, dim: dim}, nil
}

// Dimension returns the working vector dimension.
func (e *EmbeddingService) Dimension() int { return e.dim }

// EmbedDocument embeds text for storage in the index.
func (e *EmbeddingService) EmbedDocument(ctx context.Context, text string) (pgvector.Vector, error) {
	return e.embed(ctx, text)
}

// EmbedQuery embeds a search query. The query prefix is applied before
// embedding and must not be applied by callers.
func (e *EmbeddingService) EmbedQuery(ctx context.Context, query string) (pgvector.Vector, error) {
	return e.embed(ctx, searchQueryPrefix+query)
}

func (e *EmbeddingService) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if text == "" {
		return pgvector.Vector{}, fmt.Errorf("text is required")
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	dim := int32(e.rawDim)
	resp, err := e.embedder.Embed(embedCtx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}

	reduced, err := reduce(resp.Embeddings[0].Embedding, e.dim)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(reduced), nil
}

// reduce shrinks a raw embedding to dim dimensions: layer normalization
// over the full vector, truncation, then L2 renormalization of the slice.
func reduce(raw []float32, dim int) ([]float32, error) {
	if len(raw) < dim {
		return nil, fmt.Errorf("embedding has %d dimensions, need at least %d", len(raw), dim)
	}

	normalized := layerNorm(raw)
	return l2Normalize(normalized[:dim]), nil
}

// layerNorm centers the vector on its mean and scales by its standard
// deviation. Computed in float64 to limit rounding drift.
func layerNorm(v []float32) []float32 {
	n := float64(len(v))

	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	mean := sum / n

	var variance float64
	for _, x := range v {
		d := float64(x) - mean
		variance += d * d
	}
	variance /= n

	const eps = 1e-5
	scale := 1.0 / math.Sqrt(variance+eps)

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32((float64(x) - mean) * scale)
	}
	return out
}

// l2Normalize scales the vector to unit length. A zero vector is
// returned unchanged.
func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}

	scale := 1.0 / math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * scale)
	}
	return out
}
