// Package answer runs the streaming answer pipeline: it generates a
// tool-augmented answer for a query, streams every intermediate event to
// the client, persists what it produced and finishes with the metadata
// fan-out.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/quellen-ai/quellen/internal/genai"
	"github.com/quellen-ai/quellen/internal/metadata"
	"github.com/quellen-ai/quellen/internal/search"
	"github.com/quellen-ai/quellen/internal/sse"
	"github.com/quellen-ai/quellen/internal/store"
)

// fallbackAnswer is returned when the model produces no text at all.
const fallbackAnswer = "I could not generate an answer. Please try rephrasing your question."

// ErrQueryMismatch is returned when the query does not belong to the
// requested thread.
var ErrQueryMismatch = errors.New("query does not belong to thread")

// EventSink receives stream events. *sse.Writer satisfies it.
type EventSink interface {
	Send(eventType string, content any) error
}

// answerStore is the persistence surface the pipeline needs.
// *store.Store satisfies it.
type answerStore interface {
	GetThread(ctx context.Context, id uuid.UUID) (*store.Thread, error)
	GetQuery(ctx context.Context, id uuid.UUID) (*store.Query, error)
	ModelGroupForThread(ctx context.Context, threadID uuid.UUID) (*store.ModelGroup, error)
	ThreadHistory(ctx context.Context, threadID uuid.UUID) ([]*store.Query, error)
	SetQueryResult(ctx context.Context, id uuid.UUID, result string) error
	AddStep(ctx context.Context, queryID uuid.UUID, title string, content *string) (*store.Step, error)
	AddSources(ctx context.Context, queryID uuid.UUID, sources []store.Source) ([]*store.Source, error)
	StepsForQuery(ctx context.Context, queryID uuid.UUID) ([]*store.Step, error)
	SourcesForQuery(ctx context.Context, queryID uuid.UUID) ([]*store.Source, error)
	TagsForQuery(ctx context.Context, queryID uuid.UUID) ([]*store.Tag, error)
	FollowUpsForQuery(ctx context.Context, queryID uuid.UUID) ([]*store.FollowUp, error)
}

// metadataRunner runs the post-answer metadata fan-out.
// *metadata.Generator satisfies it.
type metadataRunner interface {
	Run(ctx context.Context, p metadata.Params) (*metadata.Result, error)
}

// threadIndexer re-embeds a thread after its content changed.
// *index.ThreadRetriever satisfies it.
type threadIndexer interface {
	IndexThread(ctx context.Context, threadID uuid.UUID) error
}

// Config tunes a Pipeline.
type Config struct {
	// MaxTurns bounds the tool-calling loop.
	MaxTurns int

	// GenerateTimeout bounds the primary generation call. Zero means no
	// bound beyond the request context.
	GenerateTimeout time.Duration

	// BlockingWrites makes persistence failures abort the run. When
	// false (the default) they are logged and the stream continues.
	BlockingWrites bool
}

// Pipeline executes answer runs.
//
// Pipeline is safe for concurrent use; per-run state lives in runRecorder.
type Pipeline struct {
	store   answerStore
	llm     genai.Generator
	meta    metadataRunner
	indexer threadIndexer
	tools   []ai.ToolRef
	cfg     Config
	logger  *slog.Logger
}

// NewPipeline creates a Pipeline. tools are the pre-registered tool refs
// made available to the response model.
func NewPipeline(st answerStore, llm genai.Generator, meta metadataRunner, indexer threadIndexer, tools []ai.ToolRef, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if st == nil || llm == nil || meta == nil {
		return nil, fmt.Errorf("store, generator and metadata runner are required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:   st,
		llm:     llm,
		meta:    meta,
		indexer: indexer,
		tools:   tools,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// completePayload is the content of the terminal complete event.
type completePayload struct {
	ThreadID  uuid.UUID       `json:"thread_id"`
	QueryID   uuid.UUID       `json:"query_id"`
	Response  string          `json:"response"`
	Steps     []*store.Step   `json:"steps"`
	Sources   []*store.Source `json:"sources"`
	Tags      []string        `json:"tags"`
	FollowUps []string        `json:"follow_ups"`
	Title     string          `json:"title,omitempty"`
}

// Run executes the answer pipeline for one query and streams events into
// sink. Exactly one terminal event is sent: complete on success, error on
// failure. A canceled context (client disconnect) stops the run without a
// terminal event.
func (p *Pipeline) Run(ctx context.Context, threadID, queryID uuid.UUID, sink EventSink) error {
	err := p.run(ctx, threadID, queryID, sink)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Client is gone; nothing to tell it.
		p.logger.Debug("answer run canceled", "query_id", queryID)
		return err
	}

	p.logger.Error("answer run failed", "thread_id", threadID, "query_id", queryID, "error", err)
	if sendErr := sink.Send(sse.TypeError, err.Error()); sendErr != nil {
		p.logger.Debug("error event dropped", "error", sendErr)
	}
	return err
}

func (p *Pipeline) run(ctx context.Context, threadID, queryID uuid.UUID, sink EventSink) error {
	thread, err := p.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("loading thread: %w", err)
	}
	query, err := p.store.GetQuery(ctx, queryID)
	if err != nil {
		return fmt.Errorf("loading query: %w", err)
	}
	if query.ThreadID != thread.ID {
		return ErrQueryMismatch
	}

	// A query that already has a result is replayed from storage instead
	// of being generated again. Reconnects are cheap and idempotent.
	if query.Result != nil && *query.Result != "" {
		return p.replay(ctx, thread, query, sink)
	}

	models, err := p.store.ModelGroupForThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("resolving model group: %w", err)
	}
	history, err := p.store.ThreadHistory(ctx, threadID)
	if err != nil {
		return err
	}

	rec := newRunRecorder(p, query, sink)
	genCtx := withRecorder(ctx, rec)
	if p.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(genCtx, p.cfg.GenerateTimeout)
		defer cancel()
	}

	var full strings.Builder
	_, genErr := p.llm.Generate(genCtx, genai.Request{
		Model:    models.ResponseModel,
		System:   responseSystemPrompt,
		Messages: buildMessages(history, query),
		Tools:    p.tools,
		MaxTurns: p.cfg.MaxTurns,
		OnText: func(cbCtx context.Context, text string) error {
			full.WriteString(text)
			return sink.Send(sse.TypeResponse, text)
		},
	})
	if genErr != nil {
		return fmt.Errorf("generating answer: %w", genErr)
	}

	answer := full.String()
	if strings.TrimSpace(answer) == "" {
		answer = fallbackAnswer
		if err := sink.Send(sse.TypeResponse, answer); err != nil {
			return err
		}
	}

	if err := p.store.SetQueryResult(ctx, queryID, answer); err != nil {
		if p.cfg.BlockingWrites {
			return fmt.Errorf("persisting answer: %w", err)
		}
		p.logger.Warn("persisting answer failed", "query_id", queryID, "error", err)
	}

	metaRes, err := p.meta.Run(ctx, metadata.Params{
		Thread:  thread,
		Query:   query,
		Answer:  answer,
		History: historyMessages(history, query.ID),
		Models:  models,
		Events: metadata.Events{
			OnTags: func(_ context.Context, tags []string) error {
				return sink.Send(sse.TypeTags, tags)
			},
			OnFollowUps: func(_ context.Context, followUps []string) error {
				return sink.Send(sse.TypeFollowUps, followUps)
			},
			OnTitle: func(_ context.Context, title string) error {
				return sink.Send(sse.TypeTitle, title)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("generating metadata: %w", err)
	}

	if p.indexer != nil {
		if err := p.indexer.IndexThread(ctx, threadID); err != nil {
			p.logger.Warn("reindexing thread failed", "thread_id", threadID, "error", err)
		}
	}

	title := metaRes.Title
	if title == "" && thread.Title != nil {
		title = *thread.Title
	}
	return sink.Send(sse.TypeComplete, completePayload{
		ThreadID:  thread.ID,
		QueryID:   query.ID,
		Response:  answer,
		Steps:     rec.steps(),
		Sources:   rec.sources(),
		Tags:      metaRes.Tags,
		FollowUps: metaRes.FollowUps,
		Title:     title,
	})
}

// replay streams a previously completed query from storage.
func (p *Pipeline) replay(ctx context.Context, thread *store.Thread, query *store.Query, sink EventSink) error {
	steps, err := p.store.StepsForQuery(ctx, query.ID)
	if err != nil {
		return err
	}
	sources, err := p.store.SourcesForQuery(ctx, query.ID)
	if err != nil {
		return err
	}
	tags, err := p.store.TagsForQuery(ctx, query.ID)
	if err != nil {
		return err
	}
	followUps, err := p.store.FollowUpsForQuery(ctx, query.ID)
	if err != nil {
		return err
	}

	if len(steps) > 0 {
		if err := sink.Send(sse.TypeSteps, steps); err != nil {
			return err
		}
	}
	if len(sources) > 0 {
		if err := sink.Send(sse.TypeSources, sources); err != nil {
			return err
		}
	}
	if err := sink.Send(sse.TypeResponse, *query.Result); err != nil {
		return err
	}

	tagNames := make([]string, len(tags))
	for i, t := range tags {
		tagNames[i] = t.Name
	}
	if err := sink.Send(sse.TypeTags, tagNames); err != nil {
		return err
	}

	followUpTexts := make([]string, len(followUps))
	for i, f := range followUps {
		followUpTexts[i] = f.Text
	}
	if err := sink.Send(sse.TypeFollowUps, followUpTexts); err != nil {
		return err
	}

	var title string
	if thread.Title != nil {
		title = *thread.Title
		if err := sink.Send(sse.TypeTitle, title); err != nil {
			return err
		}
	}

	return sink.Send(sse.TypeComplete, completePayload{
		ThreadID:  thread.ID,
		QueryID:   query.ID,
		Response:  *query.Result,
		Steps:     steps,
		Sources:   sources,
		Tags:      tagNames,
		FollowUps: followUpTexts,
		Title:     title,
	})
}

// buildMessages turns the thread history plus the current query into the
// generation context. The current query is excluded from history (it was
// already inserted) and appended as the final user turn.
func buildMessages(history []*store.Query, current *store.Query) []genai.Message {
	msgs := historyMessages(history, current.ID)
	return append(msgs, genai.Message{Role: genai.RoleUser, Content: current.Text})
}

// historyMessages converts completed prior queries into alternating
// user/model turns, skipping the query identified by excludeID.
func historyMessages(history []*store.Query, excludeID uuid.UUID) []genai.Message {
	var msgs []genai.Message
	for _, q := range history {
		if q.ID == excludeID {
			continue
		}
		if q.Result == nil || *q.Result == "" {
			continue
		}
		msgs = append(msgs,
			genai.Message{Role: genai.RoleUser, Content: q.Text},
			genai.Message{Role: genai.RoleModel, Content: *q.Result},
		)
	}
	return msgs
}

// runRecorder accumulates the steps and sources of one run and forwards
// them to the sink as they happen. Persistence failures follow the
// pipeline's write policy.
type runRecorder struct {
	p     *Pipeline
	query *store.Query
	sink  EventSink

	mu       sync.Mutex
	allSteps []*store.Step
	allSrcs  []*store.Source
	seenURLs map[string]bool
}

func newRunRecorder(p *Pipeline, query *store.Query, sink EventSink) *runRecorder {
	return &runRecorder{p: p, query: query, sink: sink, seenURLs: map[string]bool{}}
}

// recordStep persists and emits one search step.
func (r *runRecorder) recordStep(ctx context.Context, searchQuery string) error {
	title := fmt.Sprintf("Searching for %q", searchQuery)

	step, err := r.p.store.AddStep(ctx, r.query.ID, title, nil)
	if err != nil {
		if r.p.cfg.BlockingWrites {
			return fmt.Errorf("persisting step: %w", err)
		}
		r.p.logger.Warn("persisting step failed", "query_id", r.query.ID, "error", err)
		step = &store.Step{QueryID: r.query.ID, Title: title}
	}

	r.mu.Lock()
	r.allSteps = append(r.allSteps, step)
	r.mu.Unlock()

	if sendErr := r.sink.Send(sse.TypeSteps, []*store.Step{step}); sendErr != nil {
		r.p.logger.Debug("steps event dropped", "error", sendErr)
	}
	return nil
}

// recordSources persists and emits search results not seen before in
// this run, deduplicated by URL.
func (r *runRecorder) recordSources(ctx context.Context, results []search.Result) error {
	r.mu.Lock()
	var fresh []store.Source
	for _, res := range results {
		if res.URL == "" || r.seenURLs[res.URL] {
			continue
		}
		r.seenURLs[res.URL] = true
		src := store.Source{
			QueryID: r.query.ID,
			Type:    "web",
			Title:   res.Title,
			URL:     res.URL,
		}
		if res.Content != "" {
			content := res.Content
			src.Content = &content
		}
		fresh = append(fresh, src)
	}
	r.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	stored, err := r.p.store.AddSources(ctx, r.query.ID, fresh)
	if err != nil {
		if r.p.cfg.BlockingWrites {
			return fmt.Errorf("persisting sources: %w", err)
		}
		r.p.logger.Warn("persisting sources failed", "query_id", r.query.ID, "error", err)
		stored = make([]*store.Source, len(fresh))
		for i := range fresh {
			stored[i] = &fresh[i]
		}
	}

	r.mu.Lock()
	r.allSrcs = append(r.allSrcs, stored...)
	r.mu.Unlock()

	if sendErr := r.sink.Send(sse.TypeSources, stored); sendErr != nil {
		r.p.logger.Debug("sources event dropped", "error", sendErr)
	}
	return nil
}

func (r *runRecorder) steps() []*store.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.Step(nil), r.allSteps...)
}

func (r *runRecorder) sources() []*store.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.Source(nil), r.allSrcs...)
}
