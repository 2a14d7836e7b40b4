//go:build integration
// +build integration

package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/quellen-ai/quellen/internal/log"
	"github.com/quellen-ai/quellen/internal/store"
	"github.com/quellen-ai/quellen/internal/testutil"
)

// setupStore starts a database container and seeds one model group.
func setupStore(t *testing.T) (*store.Store, *store.ModelGroup) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	st, err := store.New(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	group, err := st.CreateModelGroup(context.Background(), store.ModelGroup{
		Name:          "default",
		ResponseModel: "googleai/gemini-2.5-flash",
		TagsModel:     "googleai/gemini-2.0-flash-lite",
		FollowUpModel: "googleai/gemini-2.0-flash-lite",
		TitleModel:    "googleai/gemini-2.0-flash-lite",
	})
	if err != nil {
		t.Fatalf("CreateModelGroup: %v", err)
	}
	return st, group
}

func TestThreadQueryLifecycle(t *testing.T) {
	st, group := setupStore(t)
	ctx := context.Background()

	thread, err := st.CreateThread(ctx, group.ID, nil, nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if thread.Title != nil {
		t.Errorf("new thread title = %q, want nil", *thread.Title)
	}

	resolved, err := st.ModelGroupForThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ModelGroupForThread: %v", err)
	}
	if resolved.ID != group.ID {
		t.Errorf("resolved group %s, want %s", resolved.ID, group.ID)
	}

	q1, err := st.CreateQuery(ctx, thread.ID, store.QueryTypeAnswer, "what is pgvector?", nil)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	if q1.Result != nil {
		t.Errorf("new query result = %q, want nil", *q1.Result)
	}

	if err := st.SetQueryResult(ctx, q1.ID, "pgvector is a Postgres extension."); err != nil {
		t.Fatalf("SetQueryResult: %v", err)
	}
	got, err := st.GetQuery(ctx, q1.ID)
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if got.Result == nil || *got.Result != "pgvector is a Postgres extension." {
		t.Errorf("stored result = %v", got.Result)
	}

	q2, err := st.CreateQuery(ctx, thread.ID, store.QueryTypeAnswer, "how do I install it?", nil)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}

	history, err := st.ThreadHistory(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ThreadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ID != q1.ID || history[1].ID != q2.ID {
		t.Error("history is not in creation order")
	}

	if err := st.SetThreadTitle(ctx, thread.ID, "pgvector basics"); err != nil {
		t.Fatalf("SetThreadTitle: %v", err)
	}
	updated, err := st.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if updated.Title == nil || *updated.Title != "pgvector basics" {
		t.Errorf("thread title = %v, want pgvector basics", updated.Title)
	}

	if err := st.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	// Cascade removes the queries too
	if _, err := st.GetQuery(ctx, q1.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetQuery after cascade = %v, want ErrNotFound", err)
	}
}

func TestStepsAndSources(t *testing.T) {
	st, group := setupStore(t)
	ctx := context.Background()

	thread, err := st.CreateThread(ctx, group.ID, nil, nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	q, err := st.CreateQuery(ctx, thread.ID, store.QueryTypeAnswer, "latest go release", nil)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}

	detail := "query: latest go release"
	if _, err := st.AddStep(ctx, q.ID, "Searching the web", &detail); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if _, err := st.AddStep(ctx, q.ID, "Reading results", nil); err != nil {
		t.Fatalf("AddStep: %v", err)
	}

	steps, err := st.StepsForQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("StepsForQuery: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].Title != "Searching the web" {
		t.Errorf("first step = %q", steps[0].Title)
	}

	added, err := st.AddSources(ctx, q.ID, []store.Source{
		{Type: "url", Title: "Go Blog", URL: "https://go.dev/blog/"},
		{Type: "url", Title: "Release notes", URL: "https://go.dev/doc/devel/release"},
	})
	if err != nil {
		t.Fatalf("AddSources: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("added sources = %d, want 2", len(added))
	}

	sources, err := st.SourcesForQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("SourcesForQuery: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(sources))
	}
}

func TestTagsAndFollowUps(t *testing.T) {
	st, group := setupStore(t)
	ctx := context.Background()

	thread, err := st.CreateThread(ctx, group.ID, nil, nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	q, err := st.CreateQuery(ctx, thread.ID, store.QueryTypeAnswer, "go generics", nil)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}

	first, err := st.EnsureTag(ctx, "golang", nil)
	if err != nil {
		t.Fatalf("EnsureTag: %v", err)
	}
	// Same name must resolve to the same tag row
	second, err := st.EnsureTag(ctx, "golang", nil)
	if err != nil {
		t.Fatalf("EnsureTag again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("EnsureTag returned different ids for same name: %s vs %s", first.ID, second.ID)
	}

	if err := st.AttachTag(ctx, q.ID, first.ID); err != nil {
		t.Fatalf("AttachTag: %v", err)
	}
	// Attaching twice is a no-op, not an error
	if err := st.AttachTag(ctx, q.ID, first.ID); err != nil {
		t.Fatalf("AttachTag repeat: %v", err)
	}

	tags, err := st.TagsForQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("TagsForQuery: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "golang" {
		t.Errorf("tags = %+v, want one golang tag", tags)
	}

	threadTags, err := st.TagsForThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("TagsForThread: %v", err)
	}
	if len(threadTags) != 1 {
		t.Errorf("thread tags = %d, want 1", len(threadTags))
	}

	if _, err := st.ReplaceFollowUps(ctx, q.ID, []string{"What about type sets?", "How do constraints work?"}, nil); err != nil {
		t.Fatalf("ReplaceFollowUps: %v", err)
	}
	// Replacement swaps the whole set
	replaced, err := st.ReplaceFollowUps(ctx, q.ID, []string{"Show an example"}, nil)
	if err != nil {
		t.Fatalf("ReplaceFollowUps again: %v", err)
	}
	if len(replaced) != 1 {
		t.Fatalf("replaced = %d, want 1", len(replaced))
	}

	followUps, err := st.FollowUpsForQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("FollowUpsForQuery: %v", err)
	}
	if len(followUps) != 1 || followUps[0].Text != "Show an example" {
		t.Errorf("follow-ups = %+v, want one", followUps)
	}
}

func TestNotFoundSentinel(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	if _, err := st.GetThread(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetThread = %v, want ErrNotFound", err)
	}
	if _, err := st.GetQuery(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetQuery = %v, want ErrNotFound", err)
	}
	if err := st.SetQueryResult(ctx, uuid.New(), "orphan"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetQueryResult = %v, want ErrNotFound", err)
	}
}
