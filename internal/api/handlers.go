package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quellen-ai/quellen/internal/index"
	"github.com/quellen-ai/quellen/internal/store"
)

// apiStore is the persistence surface the handlers need. *store.Store
// satisfies it.
type apiStore interface {
	CreateModelGroup(ctx context.Context, g store.ModelGroup) (*store.ModelGroup, error)
	ListModelGroups(ctx context.Context) ([]*store.ModelGroup, error)
	CreateThread(ctx context.Context, modelGroupID uuid.UUID, projectID *uuid.UUID, userID *string) (*store.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (*store.Thread, error)
	DeleteThread(ctx context.Context, id uuid.UUID) error
	ThreadHistory(ctx context.Context, threadID uuid.UUID) ([]*store.Query, error)
	CreateQuery(ctx context.Context, threadID uuid.UUID, typ store.QueryType, text string, userID *string) (*store.Query, error)
	TagsForThread(ctx context.Context, threadID uuid.UUID) ([]*store.Tag, error)
}

// threadSearcher answers semantic thread search. *index.ThreadRetriever
// satisfies it.
type threadSearcher interface {
	Search(ctx context.Context, query string, namespace *string) ([]index.Match, error)
}

const maxRequestBody = 1 << 20 // 1 MiB

// decodeBody decodes a JSON request body into dst with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// pathUUID parses a UUID path value. Writes a 400 and returns false on a
// malformed value.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

type modelGroupJSON struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	ResponseModel string    `json:"response_model"`
	TagsModel     string    `json:"tags_model"`
	FollowUpModel string    `json:"follow_up_model"`
	TitleModel    string    `json:"title_model"`
	CreatedAt     time.Time `json:"created_at"`
}

func toModelGroupJSON(g *store.ModelGroup) modelGroupJSON {
	return modelGroupJSON{
		ID:            g.ID,
		Name:          g.Name,
		ResponseModel: g.ResponseModel,
		TagsModel:     g.TagsModel,
		FollowUpModel: g.FollowUpModel,
		TitleModel:    g.TitleModel,
		CreatedAt:     g.CreatedAt,
	}
}

type threadJSON struct {
	ID           uuid.UUID  `json:"id"`
	Title        *string    `json:"title"`
	ModelGroupID uuid.UUID  `json:"model_group_id"`
	ProjectID    *uuid.UUID `json:"project_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toThreadJSON(t *store.Thread) threadJSON {
	return threadJSON{
		ID:           t.ID,
		Title:        t.Title,
		ModelGroupID: t.ModelGroupID,
		ProjectID:    t.ProjectID,
		CreatedAt:    t.CreatedAt,
	}
}

type queryJSON struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	Type      string    `json:"type"`
	Query     string    `json:"query"`
	Result    *string   `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

func toQueryJSON(q *store.Query) queryJSON {
	return queryJSON{
		ID:        q.ID,
		ThreadID:  q.ThreadID,
		Type:      string(q.Type),
		Query:     q.Text,
		Result:    q.Result,
		CreatedAt: q.CreatedAt,
	}
}

// threadHandler serves thread, query and model group CRUD.
type threadHandler struct {
	store  apiStore
	logger *slog.Logger
}

func (h *threadHandler) createModelGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		ResponseModel string `json:"response_model"`
		TagsModel     string `json:"tags_model"`
		FollowUpModel string `json:"follow_up_model"`
		TitleModel    string `json:"title_model"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	g, err := h.store.CreateModelGroup(r.Context(), store.ModelGroup{
		Name:          req.Name,
		ResponseModel: req.ResponseModel,
		TagsModel:     req.TagsModel,
		FollowUpModel: req.FollowUpModel,
		TitleModel:    req.TitleModel,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_model_group", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toModelGroupJSON(g))
}

func (h *threadHandler) listModelGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.ListModelGroups(r.Context())
	if err != nil {
		h.logger.Error("listing model groups", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list model groups")
		return
	}
	out := make([]modelGroupJSON, 0, len(groups))
	for _, g := range groups {
		out = append(out, toModelGroupJSON(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *threadHandler) createThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelGroupID uuid.UUID  `json:"model_group_id"`
		ProjectID    *uuid.UUID `json:"project_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.ModelGroupID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "model_group_id is required")
		return
	}

	t, err := h.store.CreateThread(r.Context(), req.ModelGroupID, req.ProjectID, nil)
	if err != nil {
		h.logger.Error("creating thread", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_thread", "failed to create thread")
		return
	}
	writeJSON(w, http.StatusCreated, toThreadJSON(t))
}

func (h *threadHandler) getThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "threadID")
	if !ok {
		return
	}

	t, err := h.store.GetThread(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	if err != nil {
		h.logger.Error("getting thread", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load thread")
		return
	}

	queries, err := h.store.ThreadHistory(r.Context(), id)
	if err != nil {
		h.logger.Error("loading thread history", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load thread")
		return
	}

	qs := make([]queryJSON, 0, len(queries))
	for _, q := range queries {
		qs = append(qs, toQueryJSON(q))
	}
	writeJSON(w, http.StatusOK, struct {
		threadJSON
		Queries []queryJSON `json:"queries"`
	}{toThreadJSON(t), qs})
}

func (h *threadHandler) deleteThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "threadID")
	if !ok {
		return
	}

	err := h.store.DeleteThread(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	if err != nil {
		h.logger.Error("deleting thread", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *threadHandler) createQuery(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathUUID(w, r, "threadID")
	if !ok {
		return
	}

	var req struct {
		Query string `json:"query"`
		Type  string `json:"type"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	typ := store.QueryType(req.Type)
	if req.Type == "" {
		typ = store.QueryTypeAnswer
	}

	if _, err := h.store.GetThread(r.Context(), threadID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return
	} else if err != nil {
		h.logger.Error("getting thread", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load thread")
		return
	}

	q, err := h.store.CreateQuery(r.Context(), threadID, typ, req.Query, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toQueryJSON(q))
}

// searchHandler serves semantic thread search.
type searchHandler struct {
	searcher threadSearcher
	store    apiStore
	logger   *slog.Logger
}

type searchMatchJSON struct {
	ThreadID   uuid.UUID      `json:"thread_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Similarity float64        `json:"similarity"`
	Queries    []queryJSON    `json:"queries"`
	Tags       []string       `json:"tags"`
}

func (h *searchHandler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_query", "q parameter is required")
		return
	}

	matches, err := h.searcher.Search(r.Context(), query, nil)
	if err != nil {
		h.logger.Error("thread search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		return
	}

	out := make([]searchMatchJSON, 0, len(matches))
	for _, m := range matches {
		out = append(out, h.hydrate(r.Context(), m))
	}
	writeJSON(w, http.StatusOK, out)
}

// hydrate attaches the matched thread's queries and tag names. A failed
// lookup leaves the corresponding field empty rather than failing the
// whole search.
func (h *searchHandler) hydrate(ctx context.Context, m index.Match) searchMatchJSON {
	out := searchMatchJSON{
		ThreadID:   m.ThreadID,
		Content:    m.Content,
		Metadata:   m.Metadata,
		Similarity: m.Similarity,
		Queries:    []queryJSON{},
		Tags:       []string{},
	}

	queries, err := h.store.ThreadHistory(ctx, m.ThreadID)
	if err != nil {
		h.logger.Warn("loading matched thread queries failed", "thread_id", m.ThreadID, "error", err)
	}
	for _, q := range queries {
		out.Queries = append(out.Queries, toQueryJSON(q))
	}

	tags, err := h.store.TagsForThread(ctx, m.ThreadID)
	if err != nil {
		h.logger.Warn("loading matched thread tags failed", "thread_id", m.ThreadID, "error", err)
	}
	for _, t := range tags {
		out.Tags = append(out.Tags, t.Name)
	}
	return out
}
