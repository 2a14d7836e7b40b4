package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const queryCols = `id, thread_id, type, query, result, user_id, created_at`

// CreateQuery inserts a query into a thread.
func (s *Store) CreateQuery(ctx context.Context, threadID uuid.UUID, typ QueryType, text string, userID *string) (*Query, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("invalid query type: %q", typ)
	}
	if text == "" {
		return nil, fmt.Errorf("query text is required")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO queries (thread_id, type, query, user_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+queryCols,
		threadID, typ, text, userID,
	)
	q, err := scanQuery(row)
	if err != nil {
		return nil, fmt.Errorf("creating query: %w", err)
	}
	return q, nil
}

// GetQuery returns a query by ID, or ErrNotFound.
func (s *Store) GetQuery(ctx context.Context, id uuid.UUID) (*Query, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queryCols+` FROM queries WHERE id = $1`, id)
	q, err := scanQuery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting query %s: %w", id, err)
	}
	return q, nil
}

// SetQueryResult stores the finished answer text for a query.
// Returns ErrNotFound if the query does not exist.
func (s *Store) SetQueryResult(ctx context.Context, id uuid.UUID, result string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queries SET result = $2 WHERE id = $1`, id, result)
	if err != nil {
		return fmt.Errorf("setting query result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ThreadHistory returns all queries in a thread ordered oldest first.
// Used to build the conversation context for follow-up questions.
func (s *Store) ThreadHistory(ctx context.Context, threadID uuid.UUID) ([]*Query, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queryCols+`
		 FROM queries
		 WHERE thread_id = $1
		 ORDER BY created_at ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading thread history: %w", err)
	}
	defer rows.Close()

	var queries []*Query
	for rows.Next() {
		q := &Query{}
		if err := rows.Scan(&q.ID, &q.ThreadID, &q.Type, &q.Text, &q.Result, &q.UserID, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning query: %w", err)
		}
		queries = append(queries, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queries: %w", err)
	}
	return queries, nil
}

func scanQuery(row pgx.Row) (*Query, error) {
	q := &Query{}
	if err := row.Scan(&q.ID, &q.ThreadID, &q.Type, &q.Text, &q.Result, &q.UserID, &q.CreatedAt); err != nil {
		return nil, err
	}
	return q, nil
}

// AddStep records a tool invocation for a query and returns the stored row.
func (s *Store) AddStep(ctx context.Context, queryID uuid.UUID, title string, content *string) (*Step, error) {
	st := &Step{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO query_steps (query_id, title, content)
		 VALUES ($1, $2, $3)
		 RETURNING id, query_id, title, content, created_at`,
		queryID, title, content,
	).Scan(&st.ID, &st.QueryID, &st.Title, &st.Content, &st.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding step: %w", err)
	}
	return st, nil
}

// StepsForQuery returns the steps of a query oldest first.
func (s *Store) StepsForQuery(ctx context.Context, queryID uuid.UUID) ([]*Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, query_id, title, content, created_at
		 FROM query_steps
		 WHERE query_id = $1
		 ORDER BY created_at ASC, id ASC`,
		queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		if err := rows.Scan(&st.ID, &st.QueryID, &st.Title, &st.Content, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return steps, nil
}

// AddSources inserts retrieved documents for a query. Callers are expected
// to have deduplicated by URL already; rows are inserted as given.
func (s *Store) AddSources(ctx context.Context, queryID uuid.UUID, sources []Source) ([]*Source, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	stored := make([]*Source, 0, len(sources))
	for _, src := range sources {
		out := &Source{}
		err := s.pool.QueryRow(ctx,
			`INSERT INTO sources (query_id, type, title, url, content)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, query_id, type, title, url, content, created_at`,
			queryID, src.Type, src.Title, src.URL, src.Content,
		).Scan(&out.ID, &out.QueryID, &out.Type, &out.Title, &out.URL, &out.Content, &out.CreatedAt)
		if err != nil {
			return stored, fmt.Errorf("adding source %q: %w", src.URL, err)
		}
		stored = append(stored, out)
	}
	return stored, nil
}

// SourcesForQuery returns the sources of a query oldest first.
func (s *Store) SourcesForQuery(ctx context.Context, queryID uuid.UUID) ([]*Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, query_id, type, title, url, content, created_at
		 FROM sources
		 WHERE query_id = $1
		 ORDER BY created_at ASC, id ASC`,
		queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src := &Source{}
		if err := rows.Scan(&src.ID, &src.QueryID, &src.Type, &src.Title, &src.URL, &src.Content, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sources: %w", err)
	}
	return sources, nil
}
