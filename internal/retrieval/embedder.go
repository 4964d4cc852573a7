package retrieval

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/meirobo/internal/engine"
)

// Embedder computes embeddings on demand. Nothing is cached or persisted:
// vectors live only for the query that asked for them.
type Embedder struct {
	engine engine.Engine
	model  string
	limit  int
}

// NewEmbedder creates an Embedder that runs at most limit requests at once.
func NewEmbedder(e engine.Engine, model string, limit int) *Embedder {
	if limit <= 0 {
		limit = 4
	}
	return &Embedder{engine: e, model: model, limit: limit}
}

// EmbedBatch returns one vector per text, in order. Any failure fails the batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			if len(vec) == 0 {
				return fmt.Errorf("embedding text %d: empty vector", i)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := 1; i < len(results); i++ {
		if len(results[i]) != len(results[0]) {
			return nil, fmt.Errorf("embedding dimensions differ: %d and %d", len(results[0]), len(results[i]))
		}
	}
	return results, nil
}

// Func adapts the embedder to chromem's embedding callback.
func (e *Embedder) Func() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.engine.Embed(ctx, e.model, text)
	}
}
