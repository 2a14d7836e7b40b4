package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one turn of conversation context.
type Message struct {
	Role    Role
	Content string
}

// StreamCallback receives each text fragment as the model produces it.
// Returning an error aborts the stream.
type StreamCallback func(ctx context.Context, text string) error

// Request describes one generation call.
type Request struct {
	Model    string
	System   string
	Messages []Message

	// Tools the model may call during the agentic loop. MaxTurns bounds
	// the number of tool-calling rounds; zero means a single turn.
	Tools    []ai.ToolRef
	MaxTurns int

	// OnText enables streaming when non-nil.
	OnText StreamCallback
}

// Result is the outcome of a generation call.
type Result struct {
	Text         string
	ToolRequests []*ai.ToolRequest
}

// Generator runs model generation calls. Implementations must be safe for
// concurrent use.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// GenkitGenerator is the production Generator backed by Genkit.
type GenkitGenerator struct {
	g       *genkit.Genkit
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGenkitGenerator creates a GenkitGenerator. A nil limiter gets a
// default of 10 requests/sec with a burst of 30.
func NewGenkitGenerator(g *genkit.Genkit, limiter *rate.Limiter, logger *slog.Logger) (*GenkitGenerator, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitGenerator{g: g, limiter: limiter, logger: logger}, nil
}

// Generate runs one generation call, waiting on the rate limiter first.
func (gg *GenkitGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	if err := gg.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(req.Model),
		ai.WithMessages(toGenkitMessages(req.Messages)...),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, ai.WithTools(req.Tools...))
	}
	if req.MaxTurns > 0 {
		opts = append(opts, ai.WithMaxTurns(req.MaxTurns))
	}
	if req.OnText != nil {
		onText := req.OnText
		opts = append(opts, ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return onText(cbCtx, text)
		}))
	}

	gg.logger.Debug("generating",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"streaming", req.OnText != nil,
	)

	resp, err := genkit.Generate(ctx, gg.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generating with %s: %w", req.Model, err)
	}

	return &Result{
		Text:         resp.Text(),
		ToolRequests: resp.ToolRequests(),
	}, nil
}

func toGenkitMessages(msgs []Message) []*ai.Message {
	out := make([]*ai.Message, len(msgs))
	for i, m := range msgs {
		part := ai.NewTextPart(m.Content)
		if m.Role == RoleModel {
			out[i] = ai.NewModelMessage(part)
		} else {
			out[i] = ai.NewUserMessage(part)
		}
	}
	return out
}
