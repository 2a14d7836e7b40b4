package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ErrNotIndexed is returned when a thread has no stored embedding.
var ErrNotIndexed = errors.New("thread not indexed")

// Metric selects how vector distance is converted to a similarity score.
type Metric string

const (
	// MetricCosine scores as 1 - cosine_distance, in [-1, 1].
	MetricCosine Metric = "cosine"
	// MetricL2 scores as 1 / (1 + euclidean_distance), in (0, 1].
	MetricL2 Metric = "l2"
)

// Match is one nearest-neighbor result.
type Match struct {
	ThreadID   uuid.UUID
	Content    string
	Metadata   map[string]any
	Similarity float64
}

// VectorIndex stores one embedding per thread and answers KNN queries.
//
// VectorIndex is safe for concurrent use by multiple goroutines.
type VectorIndex struct {
	pool   *pgxpool.Pool
	metric Metric
	logger *slog.Logger
}

// NewVectorIndex creates a VectorIndex using the given similarity metric.
func NewVectorIndex(pool *pgxpool.Pool, metric Metric, logger *slog.Logger) (*VectorIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	switch metric {
	case MetricCosine, MetricL2:
	case "":
		metric = MetricCosine
	default:
		return nil, fmt.Errorf("unknown metric: %q", metric)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorIndex{pool: pool, metric: metric, logger: logger}, nil
}

// Upsert stores or replaces the embedding for a thread.
func (v *VectorIndex) Upsert(ctx context.Context, threadID uuid.UUID, content string, vec pgvector.Vector, metadata map[string]any, namespace *string) error {
	if content == "" {
		return fmt.Errorf("content is required")
	}

	meta, err := json.Marshal(metadataOrEmpty(metadata))
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = v.pool.Exec(ctx,
		`INSERT INTO thread_embeddings (thread_id, content, embedding, metadata, namespace)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (thread_id) DO UPDATE
		 SET content = EXCLUDED.content,
		     embedding = EXCLUDED.embedding,
		     metadata = EXCLUDED.metadata,
		     namespace = EXCLUDED.namespace,
		     updated_at = now()`,
		threadID, content, vec, meta, namespace,
	)
	if err != nil {
		return fmt.Errorf("upserting thread embedding: %w", err)
	}
	return nil
}

// Delete removes the embedding for a thread. Deleting a thread that was
// never indexed returns ErrNotIndexed.
func (v *VectorIndex) Delete(ctx context.Context, threadID uuid.UUID) error {
	tag, err := v.pool.Exec(ctx,
		`DELETE FROM thread_embeddings WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("deleting thread embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotIndexed
	}
	return nil
}

// Search returns up to topK threads nearest to vec, most similar first.
// A nil namespace matches all namespaces.
func (v *VectorIndex) Search(ctx context.Context, vec pgvector.Vector, topK int, namespace *string) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}

	var (
		rows pgx.Rows
		err  error
	)
	query := fmt.Sprintf(
		`SELECT thread_id, content, metadata, %s AS similarity
		 FROM thread_embeddings
		 %s
		 ORDER BY %s
		 LIMIT $2`,
		v.similarityExpr(), v.namespaceClause(namespace), v.orderExpr(),
	)
	if namespace != nil {
		rows, err = v.pool.Query(ctx, query, vec, topK, *namespace)
	} else {
		rows, err = v.pool.Query(ctx, query, vec, topK)
	}
	if err != nil {
		return nil, fmt.Errorf("searching thread embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			meta []byte
		)
		if err := rows.Scan(&m.ThreadID, &m.Content, &meta, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				v.logger.Warn("malformed embedding metadata", "thread_id", m.ThreadID, "error", err)
				m.Metadata = map[string]any{}
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return matches, nil
}

func (v *VectorIndex) similarityExpr() string {
	if v.metric == MetricL2 {
		return `1 / (1 + (embedding <-> $1))`
	}
	return `1 - (embedding <=> $1)`
}

func (v *VectorIndex) orderExpr() string {
	if v.metric == MetricL2 {
		return `embedding <-> $1`
	}
	return `embedding <=> $1`
}

func (v *VectorIndex) namespaceClause(namespace *string) string {
	if namespace != nil {
		return `WHERE namespace = $3`
	}
	return ``
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
