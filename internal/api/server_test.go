package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/quellen-ai/quellen/internal/answer"
	"github.com/quellen-ai/quellen/internal/index"
	"github.com/quellen-ai/quellen/internal/log"
	"github.com/quellen-ai/quellen/internal/sse"
	"github.com/quellen-ai/quellen/internal/store"
)

// fakeAPIStore is an in-memory apiStore.
type fakeAPIStore struct {
	groups  map[uuid.UUID]*store.ModelGroup
	threads map[uuid.UUID]*store.Thread
	queries map[uuid.UUID][]*store.Query
	tags    map[uuid.UUID][]*store.Tag
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		groups:  map[uuid.UUID]*store.ModelGroup{},
		threads: map[uuid.UUID]*store.Thread{},
		queries: map[uuid.UUID][]*store.Query{},
		tags:    map[uuid.UUID][]*store.Tag{},
	}
}

func (f *fakeAPIStore) CreateModelGroup(_ context.Context, g store.ModelGroup) (*store.ModelGroup, error) {
	if g.Name == "" || g.ResponseModel == "" || g.TagsModel == "" || g.FollowUpModel == "" || g.TitleModel == "" {
		return nil, store.ErrNotFound
	}
	g.ID = uuid.New()
	f.groups[g.ID] = &g
	return &g, nil
}

func (f *fakeAPIStore) ListModelGroups(_ context.Context) ([]*store.ModelGroup, error) {
	out := make([]*store.ModelGroup, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeAPIStore) CreateThread(_ context.Context, modelGroupID uuid.UUID, projectID *uuid.UUID, userID *string) (*store.Thread, error) {
	t := &store.Thread{ID: uuid.New(), ModelGroupID: modelGroupID, ProjectID: projectID, UserID: userID}
	f.threads[t.ID] = t
	return t, nil
}

func (f *fakeAPIStore) GetThread(_ context.Context, id uuid.UUID) (*store.Thread, error) {
	t, ok := f.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeAPIStore) DeleteThread(_ context.Context, id uuid.UUID) error {
	if _, ok := f.threads[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.threads, id)
	return nil
}

func (f *fakeAPIStore) ThreadHistory(_ context.Context, threadID uuid.UUID) ([]*store.Query, error) {
	return f.queries[threadID], nil
}

func (f *fakeAPIStore) CreateQuery(_ context.Context, threadID uuid.UUID, typ store.QueryType, text string, userID *string) (*store.Query, error) {
	if !typ.Valid() {
		return nil, store.ErrNotFound
	}
	if text == "" {
		return nil, store.ErrNotFound
	}
	q := &store.Query{ID: uuid.New(), ThreadID: threadID, Type: typ, Text: text, UserID: userID}
	f.queries[threadID] = append(f.queries[threadID], q)
	return q, nil
}

func (f *fakeAPIStore) TagsForThread(_ context.Context, threadID uuid.UUID) ([]*store.Tag, error) {
	return f.tags[threadID], nil
}

// fakeRunner streams a fixed event sequence.
type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, threadID, queryID uuid.UUID, sink answer.EventSink) error {
	_ = sink.Send(sse.TypeResponse, "hello ")
	_ = sink.Send(sse.TypeResponse, "world")
	return sink.Send(sse.TypeComplete, map[string]any{
		"thread_id": threadID,
		"query_id":  queryID,
		"response":  "hello world",
	})
}

type fakeSearcher struct {
	threadID uuid.UUID
}

func (f fakeSearcher) Search(_ context.Context, query string, _ *string) ([]index.Match, error) {
	id := f.threadID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return []index.Match{{ThreadID: id, Content: "about " + query, Similarity: 0.8}}, nil
}

func newTestServer(t *testing.T, st apiStore) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Store:     st,
		Pipeline:  fakeRunner{},
		Searcher:  fakeSearcher{},
		RateBurst: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv.Handler()
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, newFakeAPIStore())
	rec := get(h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndListModelGroups(t *testing.T) {
	h := newTestServer(t, newFakeAPIStore())

	rec := postJSON(t, h, "/api/model-groups", map[string]string{
		"name":            "default",
		"response_model":  "googleai/gemini-2.5-flash",
		"tags_model":      "googleai/gemini-2.0-flash-lite",
		"follow_up_model": "googleai/gemini-2.0-flash-lite",
		"title_model":     "googleai/gemini-2.0-flash-lite",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}

	var created modelGroupJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == uuid.Nil || created.Name != "default" {
		t.Errorf("created = %+v", created)
	}

	rec = get(h, "/api/model-groups")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var groups []modelGroupJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Errorf("groups = %d, want 1", len(groups))
	}
}

func TestCreateThreadRequiresModelGroup(t *testing.T) {
	h := newTestServer(t, newFakeAPIStore())
	rec := postJSON(t, h, "/api/threads", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestThreadLifecycle(t *testing.T) {
	st := newFakeAPIStore()
	h := newTestServer(t, st)

	rec := postJSON(t, h, "/api/threads", map[string]any{"model_group_id": uuid.New()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create thread status = %d: %s", rec.Code, rec.Body)
	}
	var thread threadJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &thread); err != nil {
		t.Fatal(err)
	}

	rec = postJSON(t, h, "/api/threads/"+thread.ID.String()+"/queries",
		map[string]string{"query": "What is dark matter?"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create query status = %d: %s", rec.Code, rec.Body)
	}
	var q queryJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatal(err)
	}
	if q.Type != "answer" {
		t.Errorf("default type = %q, want answer", q.Type)
	}

	rec = get(h, "/api/threads/"+thread.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("get thread status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "What is dark matter?") {
		t.Errorf("thread body missing query: %s", rec.Body)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/threads/"+thread.ID.String(), nil)
	del := httptest.NewRecorder()
	h.ServeHTTP(del, req)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.Code)
	}
}

func TestGetThreadNotFound(t *testing.T) {
	h := newTestServer(t, newFakeAPIStore())
	rec := get(h, "/api/threads/"+uuid.New().String())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetThreadBadID(t *testing.T) {
	h := newTestServer(t, newFakeAPIStore())
	rec := get(h, "/api/threads/not-a-uuid")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAnswerStream(t *testing.T) {
	h := newTestServer(t, newFakeAPIStore())
	rec := get(h, "/api/threads/"+uuid.New().String()+"/queries/"+uuid.New().String()+"/answer")

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"response"`) {
		t.Errorf("missing response events:\n%s", body)
	}
	if !strings.Contains(body, `"type":"complete"`) {
		t.Errorf("missing complete event:\n%s", body)
	}

	// Every frame must be a full data line followed by a blank line.
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if !strings.HasPrefix(frame, "data: ") {
			t.Errorf("malformed frame: %q", frame)
		}
	}
}

func TestSearch(t *testing.T) {
	h := newTestServer(t, newFakeAPIStore())

	rec := get(h, "/api/search?q=entanglement")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var matches []searchMatchJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &matches); err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Similarity != 0.8 {
		t.Errorf("matches = %+v", matches)
	}

	rec = get(h, "/api/search")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q: status = %d, want 400", rec.Code)
	}
}

func TestSearchHydratesMatches(t *testing.T) {
	st := newFakeAPIStore()
	threadID := uuid.New()
	st.threads[threadID] = &store.Thread{ID: threadID}
	result := "Entangled particles share one quantum state."
	st.queries[threadID] = []*store.Query{
		{ID: uuid.New(), ThreadID: threadID, Type: store.QueryTypeAnswer, Text: "What is entanglement?", Result: &result},
	}
	st.tags[threadID] = []*store.Tag{{ID: uuid.New(), Name: "physics"}, {ID: uuid.New(), Name: "quantum"}}

	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Store:     st,
		Pipeline:  fakeRunner{},
		Searcher:  fakeSearcher{threadID: threadID},
		RateBurst: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := get(srv.Handler(), "/api/search?q=entanglement")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var matches []searchMatchJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &matches); err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}

	m := matches[0]
	if m.ThreadID != threadID {
		t.Errorf("thread_id = %s", m.ThreadID)
	}
	if len(m.Queries) != 1 || m.Queries[0].Query != "What is entanglement?" {
		t.Errorf("queries = %+v", m.Queries)
	}
	if len(m.Tags) != 2 || m.Tags[0] != "physics" || m.Tags[1] != "quantum" {
		t.Errorf("tags = %v", m.Tags)
	}
}

func TestRateLimit(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Store:     newFakeAPIStore(),
		Pipeline:  fakeRunner{},
		RateBurst: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := srv.Handler()

	first := get(h, "/api/model-groups")
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	second := get(h, "/api/model-groups")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
}
