// Package metadata generates and persists the per-query metadata that
// accompanies a finished answer: classification tags, follow-up question
// suggestions and, for new threads, a title.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quellen-ai/quellen/internal/genai"
	"github.com/quellen-ai/quellen/internal/store"
	"github.com/quellen-ai/quellen/internal/stream"
)

// Per-item bounds enforced on decoded metadata. Item counts are left to
// the model; only individual lengths are checked.
const (
	minTagLen = 2
	maxTagLen = 32

	minFollowUpLen = 3
	maxFollowUpLen = 256

	minTitleLen = 4
	maxTitleLen = 64
)

// TagSet is the decoded shape of the tags sub-generation.
type TagSet struct {
	Tags []TagItem `json:"tags"`
}

// TagItem is one classification label.
type TagItem struct {
	Name string `json:"name"`
}

// FollowUpSet is the decoded shape of the follow-ups sub-generation.
type FollowUpSet struct {
	FollowUps []FollowUpItem `json:"follow_ups"`
}

// FollowUpItem is one suggested next question.
type FollowUpItem struct {
	Query string `json:"query"`
}

// TitleResult is the decoded shape of the title sub-generation.
type TitleResult struct {
	Title string `json:"title"`
}

// Events carries the live callbacks fired as metadata becomes available.
// Nil callbacks are skipped. Callback errors abort their own task only.
type Events struct {
	OnTags      func(ctx context.Context, tags []string) error
	OnFollowUps func(ctx context.Context, followUps []string) error
	OnTitle     func(ctx context.Context, title string) error
}

// Params describes one metadata run.
type Params struct {
	Thread  *store.Thread
	Query   *store.Query
	Answer  string
	History []genai.Message
	Models  *store.ModelGroup
	Events  Events
}

// metadataStore is the persistence surface the generator needs.
// *store.Store satisfies it.
type metadataStore interface {
	EnsureTag(ctx context.Context, name string, userID *string) (*store.Tag, error)
	AttachTag(ctx context.Context, queryID, tagID uuid.UUID) error
	ReplaceFollowUps(ctx context.Context, queryID uuid.UUID, texts []string, userID *string) ([]*store.FollowUp, error)
	SetThreadTitle(ctx context.Context, id uuid.UUID, title string) error
}

// Generator runs the metadata fan-out.
type Generator struct {
	llm    genai.Generator
	store  metadataStore
	logger *slog.Logger
}

// NewGenerator creates a metadata Generator.
func NewGenerator(llm genai.Generator, st metadataStore, logger *slog.Logger) (*Generator, error) {
	if llm == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{llm: llm, store: st, logger: logger}, nil
}

// Result reports what a metadata run produced.
type Result struct {
	Tags      []string
	FollowUps []string
	Title     string // empty when the thread already had a title
}

// Run generates tags, follow-up suggestions and, when the thread has no
// title yet, a title. The three sub-generations run concurrently and fail
// independently: a failed task falls back to a safe default and never
// affects the others. Run itself only returns an error when the context
// is canceled.
func (g *Generator) Run(ctx context.Context, p Params) (*Result, error) {
	if p.Thread == nil || p.Query == nil || p.Models == nil {
		return nil, fmt.Errorf("thread, query and models are required")
	}

	res := &Result{}

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		res.Tags = g.runTags(grpCtx, p)
		return nil
	})
	grp.Go(func() error {
		res.FollowUps = g.runFollowUps(grpCtx, p)
		return nil
	})
	if p.Thread.Title == nil || *p.Thread.Title == "" {
		grp.Go(func() error {
			res.Title = g.runTitle(grpCtx, p)
			return nil
		})
	}

	// Tasks report nil; Wait only observes context cancellation.
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// runTags generates tags, persists them and fires the OnTags event.
// Always returns a usable tag list.
func (g *Generator) runTags(ctx context.Context, p Params) []string {
	decoder := stream.NewDecoder(validateTagSet)

	_, err := g.llm.Generate(ctx, genai.Request{
		Model:  p.Models.TagsModel,
		System: tagsSystemPrompt,
		Messages: []genai.Message{{
			Role:    genai.RoleUser,
			Content: tagsUserPrompt(p.Query.Text, p.Answer),
		}},
		OnText: func(cbCtx context.Context, text string) error {
			if partial, ok := decoder.Feed(text); ok {
				g.emitTags(cbCtx, p, tagNames(partial))
			}
			return nil
		},
	})
	if err != nil {
		g.logger.Warn("tags generation failed, using fallback", "query_id", p.Query.ID, "error", err)
	}

	final := decoder.Final("", TagSet{Tags: []TagItem{{Name: "general"}}})
	tags := tagNames(final)

	for _, name := range tags {
		tag, err := g.store.EnsureTag(ctx, name, p.Query.UserID)
		if err != nil {
			g.logger.Warn("persisting tag failed", "tag", name, "error", err)
			continue
		}
		if err := g.store.AttachTag(ctx, p.Query.ID, tag.ID); err != nil {
			g.logger.Warn("attaching tag failed", "tag", name, "error", err)
		}
	}

	g.emitTags(ctx, p, tags)
	return tags
}

func (g *Generator) emitTags(ctx context.Context, p Params, tags []string) {
	if p.Events.OnTags == nil {
		return
	}
	if err := p.Events.OnTags(ctx, tags); err != nil {
		g.logger.Debug("tags event dropped", "error", err)
	}
}

// tagNames flattens a decoded set to trimmed tag names. Case is kept as
// generated; tags are unique by exact name.
func tagNames(s TagSet) []string {
	tags := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		tags = append(tags, strings.TrimSpace(t.Name))
	}
	return tags
}

func followUpTexts(s FollowUpSet) []string {
	texts := make([]string, 0, len(s.FollowUps))
	for _, f := range s.FollowUps {
		texts = append(texts, strings.TrimSpace(f.Query))
	}
	return texts
}

// runFollowUps generates follow-up suggestions, replaces the stored set
// and fires the OnFollowUps event. Always returns a usable list.
func (g *Generator) runFollowUps(ctx context.Context, p Params) []string {
	decoder := stream.NewDecoder(validateFollowUpSet)

	_, err := g.llm.Generate(ctx, genai.Request{
		Model:  p.Models.FollowUpModel,
		System: followUpsSystemPrompt,
		Messages: []genai.Message{{
			Role:    genai.RoleUser,
			Content: followUpsUserPrompt(p.Query.Text, p.Answer),
		}},
		OnText: func(cbCtx context.Context, text string) error {
			if partial, ok := decoder.Feed(text); ok {
				g.emitFollowUps(cbCtx, p, followUpTexts(partial))
			}
			return nil
		},
	})
	if err != nil {
		g.logger.Warn("follow-ups generation failed, using fallback", "query_id", p.Query.ID, "error", err)
	}

	final := decoder.Final("", FollowUpSet{FollowUps: []FollowUpItem{{Query: "Provide more details"}}})
	followUps := followUpTexts(final)

	if _, err := g.store.ReplaceFollowUps(ctx, p.Query.ID, followUps, p.Query.UserID); err != nil {
		g.logger.Warn("persisting follow-ups failed", "query_id", p.Query.ID, "error", err)
	}

	g.emitFollowUps(ctx, p, followUps)
	return followUps
}

func (g *Generator) emitFollowUps(ctx context.Context, p Params, followUps []string) {
	if p.Events.OnFollowUps == nil {
		return
	}
	if err := p.Events.OnFollowUps(ctx, followUps); err != nil {
		g.logger.Debug("follow-ups event dropped", "error", err)
	}
}

// runTitle generates a thread title from the role-tagged transcript,
// stores it and fires the OnTitle event.
func (g *Generator) runTitle(ctx context.Context, p Params) string {
	decoder := stream.NewDecoder(validateTitle)

	_, err := g.llm.Generate(ctx, genai.Request{
		Model:  p.Models.TitleModel,
		System: titleSystemPrompt,
		Messages: []genai.Message{{
			Role:    genai.RoleUser,
			Content: titleUserPrompt(p.History, p.Query.Text, p.Answer),
		}},
		OnText: func(cbCtx context.Context, text string) error {
			if partial, ok := decoder.Feed(text); ok {
				g.emitTitle(cbCtx, p, strings.TrimSpace(partial.Title))
			}
			return nil
		},
	})
	if err != nil {
		g.logger.Warn("title generation failed, using fallback", "thread_id", p.Thread.ID, "error", err)
	}

	final := decoder.Final("", TitleResult{Title: fallbackTitle(p.Query.Text)})
	title := strings.TrimSpace(final.Title)
	if title == "" {
		title = fallbackTitle(p.Query.Text)
	}

	if err := g.store.SetThreadTitle(ctx, p.Thread.ID, title); err != nil {
		g.logger.Warn("persisting title failed", "thread_id", p.Thread.ID, "error", err)
	}

	g.emitTitle(ctx, p, title)
	return title
}

func (g *Generator) emitTitle(ctx context.Context, p Params, title string) {
	if p.Events.OnTitle == nil {
		return
	}
	if err := p.Events.OnTitle(ctx, title); err != nil {
		g.logger.Debug("title event dropped", "error", err)
	}
}

// fallbackTitle derives a title from the query text when generation fails.
func fallbackTitle(query string) string {
	title := strings.TrimSpace(query)
	if title == "" {
		return "New thread"
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		runes := []rune(title)
		title = string(runes[:maxTitleLen-1]) + "…"
	}
	return title
}

func validateTagSet(s TagSet) error {
	for _, t := range s.Tags {
		n := utf8.RuneCountInString(strings.TrimSpace(t.Name))
		if n < minTagLen || n > maxTagLen {
			return fmt.Errorf("tag %q length out of range", t.Name)
		}
	}
	return nil
}

func validateFollowUpSet(s FollowUpSet) error {
	for _, f := range s.FollowUps {
		n := utf8.RuneCountInString(strings.TrimSpace(f.Query))
		if n < minFollowUpLen || n > maxFollowUpLen {
			return fmt.Errorf("follow-up %q length out of range", f.Query)
		}
	}
	return nil
}

func validateTitle(t TitleResult) error {
	n := utf8.RuneCountInString(strings.TrimSpace(t.Title))
	if n < minTitleLen || n > maxTitleLen {
		return fmt.Errorf("title length %d out of range", n)
	}
	return nil
}
