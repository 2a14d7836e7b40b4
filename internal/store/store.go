// Package store provides relational persistence for threads, queries and
// their generated metadata, backed by PostgreSQL via pgx.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors returned by Store operations.
var (
	ErrNotFound = errors.New("not found")
)

// QueryType distinguishes the two generation pipelines a query can run.
type QueryType string

const (
	QueryTypeAnswer   QueryType = "answer"
	QueryTypeResearch QueryType = "research"
)

// Valid reports whether t is a known query type.
func (t QueryType) Valid() bool {
	return t == QueryTypeAnswer || t == QueryTypeResearch
}

// ModelGroup names the models a thread uses for each generation kind.
type ModelGroup struct {
	ID            uuid.UUID
	Name          string
	ResponseModel string
	TagsModel     string
	FollowUpModel string
	TitleModel    string
	UserID        *string
	CreatedAt     time.Time
}

// Thread is a conversation container. Title is nil until the first
// completed query generates one.
type Thread struct {
	ID           uuid.UUID
	Title        *string
	ModelGroupID uuid.UUID
	ProjectID    *uuid.UUID
	UserID       *string
	CreatedAt    time.Time
}

// Query is a single question within a thread. Result is nil until an
// answer run completes.
type Query struct {
	ID        uuid.UUID
	ThreadID  uuid.UUID
	Type      QueryType
	Text      string
	Result    *string
	UserID    *string
	CreatedAt time.Time
}

// Step records one tool invocation observed during an answer run.
type Step struct {
	ID        uuid.UUID
	QueryID   uuid.UUID
	Title     string
	Content   *string
	CreatedAt time.Time
}

// Source records one retrieved document referenced by an answer.
type Source struct {
	ID        uuid.UUID
	QueryID   uuid.UUID
	Type      string
	Title     string
	URL       string
	Content   *string
	CreatedAt time.Time
}

// Tag is a global classification label shared across queries.
type Tag struct {
	ID        uuid.UUID
	Name      string
	UserID    *string
	CreatedAt time.Time
}

// FollowUp is a suggested next question for a completed query.
type FollowUp struct {
	ID        uuid.UUID
	QueryID   uuid.UUID
	Text      string
	UserID    *string
	CreatedAt time.Time
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists threads, queries and metadata.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// isUniqueViolation reports whether err is a PostgreSQL duplicate-key error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const modelGroupCols = `id, name, response_model, tags_model, follow_up_model, title_model, user_id, created_at`

// CreateModelGroup inserts a model group and returns it with its generated ID.
func (s *Store) CreateModelGroup(ctx context.Context, g ModelGroup) (*ModelGroup, error) {
	if g.Name == "" {
		return nil, fmt.Errorf("model group name is required")
	}
	if g.ResponseModel == "" || g.TagsModel == "" || g.FollowUpModel == "" || g.TitleModel == "" {
		return nil, fmt.Errorf("all four model names are required")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO model_groups (name, response_model, tags_model, follow_up_model, title_model, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+modelGroupCols,
		g.Name, g.ResponseModel, g.TagsModel, g.FollowUpModel, g.TitleModel, g.UserID,
	)
	return scanModelGroup(row)
}

// GetModelGroup returns a model group by ID, or ErrNotFound.
func (s *Store) GetModelGroup(ctx context.Context, id uuid.UUID) (*ModelGroup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+modelGroupCols+` FROM model_groups WHERE id = $1`, id)
	g, err := scanModelGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// ModelGroupForThread resolves the model group a thread is bound to.
func (s *Store) ModelGroupForThread(ctx context.Context, threadID uuid.UUID) (*ModelGroup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT g.id, g.name, g.response_model, g.tags_model, g.follow_up_model, g.title_model, g.user_id, g.created_at
		 FROM model_groups g
		 JOIN threads t ON t.model_group_id = g.id
		 WHERE t.id = $1`,
		threadID,
	)
	g, err := scanModelGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// ListModelGroups returns all model groups ordered by creation time.
func (s *Store) ListModelGroups(ctx context.Context) ([]*ModelGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelGroupCols+` FROM model_groups ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing model groups: %w", err)
	}
	defer rows.Close()

	var groups []*ModelGroup
	for rows.Next() {
		g := &ModelGroup{}
		if err := rows.Scan(&g.ID, &g.Name, &g.ResponseModel, &g.TagsModel,
			&g.FollowUpModel, &g.TitleModel, &g.UserID, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning model group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating model groups: %w", err)
	}
	return groups, nil
}

func scanModelGroup(row pgx.Row) (*ModelGroup, error) {
	g := &ModelGroup{}
	if err := row.Scan(&g.ID, &g.Name, &g.ResponseModel, &g.TagsModel,
		&g.FollowUpModel, &g.TitleModel, &g.UserID, &g.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning model group: %w", err)
	}
	return g, nil
}

const threadCols = `id, title, model_group_id, project_id, user_id, created_at`

// CreateThread inserts a thread bound to a model group.
func (s *Store) CreateThread(ctx context.Context, modelGroupID uuid.UUID, projectID *uuid.UUID, userID *string) (*Thread, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO threads (model_group_id, project_id, user_id)
		 VALUES ($1, $2, $3)
		 RETURNING `+threadCols,
		modelGroupID, projectID, userID,
	)
	t := &Thread{}
	if err := row.Scan(&t.ID, &t.Title, &t.ModelGroupID, &t.ProjectID, &t.UserID, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	return t, nil
}

// GetThread returns a thread by ID, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	t := &Thread{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.ModelGroupID, &t.ProjectID, &t.UserID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}
	return t, nil
}

// SetThreadTitle stores the generated title for a thread.
// Returns ErrNotFound if the thread does not exist.
func (s *Store) SetThreadTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("setting thread title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThread removes a thread and all dependent rows (cascade).
func (s *Store) DeleteThread(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListThreadIDs returns every thread ID, oldest first. Used by reindexing.
func (s *Store) ListThreadIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM threads ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing thread ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning thread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread ids: %w", err)
	}
	return ids, nil
}
