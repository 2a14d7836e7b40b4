// Package genai wraps Genkit initialization and model generation behind a
// small interface the rest of the application depends on.
package genai

import (
	"context"
	"errors"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

var (
	initMu   sync.Mutex
	instance *genkit.Genkit
)

// Instance returns the process-wide Genkit instance, initializing it on
// first use. Genkit registries are global, so the instance is shared.
func Instance(ctx context.Context) (*genkit.Genkit, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if instance != nil {
		return instance, nil
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	instance = g
	return g, nil
}

// Embedder looks up the embedder registered for the given model name.
func Embedder(g *genkit.Genkit, model string) ai.Embedder {
	return googlegenai.GoogleAIEmbedder(g, model)
}
