package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnsureTag returns the tag with the given name, creating it if needed.
// Tag names are globally unique; concurrent creation of the same name is
// resolved by retrying the lookup after a duplicate-key failure.
func (s *Store) EnsureTag(ctx context.Context, name string, userID *string) (*Tag, error) {
	if name == "" {
		return nil, fmt.Errorf("tag name is required")
	}

	if t, err := s.tagByName(ctx, name); err == nil {
		return t, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("looking up tag %q: %w", name, err)
	}

	t := &Tag{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tags (name, user_id)
		 VALUES ($1, $2)
		 RETURNING id, name, user_id, created_at`,
		name, userID,
	).Scan(&t.ID, &t.Name, &t.UserID, &t.CreatedAt)
	if err == nil {
		return t, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("creating tag %q: %w", name, err)
	}

	// Lost the race to another writer; the row exists now.
	t, lookupErr := s.tagByName(ctx, name)
	if lookupErr != nil {
		return nil, fmt.Errorf("looking up tag %q after conflict: %w", name, lookupErr)
	}
	return t, nil
}

func (s *Store) tagByName(ctx context.Context, name string) (*Tag, error) {
	t := &Tag{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, user_id, created_at FROM tags WHERE name = $1`, name,
	).Scan(&t.ID, &t.Name, &t.UserID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AttachTag associates a tag with a query. Attaching an already-attached
// tag is a no-op, including under concurrent writers.
func (s *Store) AttachTag(ctx context.Context, queryID, tagID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM query_tags WHERE query_id = $1 AND tag_id = $2)`,
		queryID, tagID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking tag association: %w", err)
	}
	if exists {
		return nil
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO query_tags (query_id, tag_id) VALUES ($1, $2)`,
		queryID, tagID,
	)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("attaching tag: %w", err)
	}
	return nil
}

// TagsForQuery returns the tags attached to a query, ordered by name.
func (s *Store) TagsForQuery(ctx context.Context, queryID uuid.UUID) ([]*Tag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.name, t.user_id, t.created_at
		 FROM tags t
		 JOIN query_tags qt ON qt.tag_id = t.id
		 WHERE qt.query_id = $1
		 ORDER BY t.name ASC`,
		queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading query tags: %w", err)
	}
	defer rows.Close()
	return scanTags(rows)
}

// TagsForThread returns the distinct tags attached to any query in a
// thread, ordered by name. Used when assembling the thread document.
func (s *Store) TagsForThread(ctx context.Context, threadID uuid.UUID) ([]*Tag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT t.id, t.name, t.user_id, t.created_at
		 FROM tags t
		 JOIN query_tags qt ON qt.tag_id = t.id
		 JOIN queries q ON q.id = qt.query_id
		 WHERE q.thread_id = $1
		 ORDER BY t.name ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading thread tags: %w", err)
	}
	defer rows.Close()
	return scanTags(rows)
}

func scanTags(rows pgx.Rows) ([]*Tag, error) {
	var tags []*Tag
	for rows.Next() {
		t := &Tag{}
		if err := rows.Scan(&t.ID, &t.Name, &t.UserID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tags: %w", err)
	}
	return tags, nil
}

// ReplaceFollowUps atomically replaces all follow-up suggestions for a
// query with the given set. Passing an empty slice clears them.
func (s *Store) ReplaceFollowUps(ctx context.Context, queryID uuid.UUID, texts []string, userID *string) ([]*FollowUp, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM follow_ups WHERE query_id = $1`, queryID); err != nil {
		return nil, fmt.Errorf("clearing follow-ups: %w", err)
	}

	stored := make([]*FollowUp, 0, len(texts))
	for _, text := range texts {
		f := &FollowUp{}
		err := tx.QueryRow(ctx,
			`INSERT INTO follow_ups (query_id, query, user_id)
			 VALUES ($1, $2, $3)
			 RETURNING id, query_id, query, user_id, created_at`,
			queryID, text, userID,
		).Scan(&f.ID, &f.QueryID, &f.Text, &f.UserID, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("inserting follow-up: %w", err)
		}
		stored = append(stored, f)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing follow-ups: %w", err)
	}
	return stored, nil
}

// FollowUpsForQuery returns the follow-up suggestions of a query,
// oldest first.
func (s *Store) FollowUpsForQuery(ctx context.Context, queryID uuid.UUID) ([]*FollowUp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, query_id, query, user_id, created_at
		 FROM follow_ups
		 WHERE query_id = $1
		 ORDER BY created_at ASC, id ASC`,
		queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading follow-ups: %w", err)
	}
	defer rows.Close()

	var followUps []*FollowUp
	for rows.Next() {
		f := &FollowUp{}
		if err := rows.Scan(&f.ID, &f.QueryID, &f.Text, &f.UserID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning follow-up: %w", err)
		}
		followUps = append(followUps, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating follow-ups: %w", err)
	}
	return followUps, nil
}
