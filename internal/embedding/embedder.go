// Package embedding turns conversation text into vectors.
package embedding

import (
	"context"
	"fmt"

	"github.com/kalambet/recall/internal/engine"
	"golang.org/x/sync/errgroup"
)

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine engine.Engine
	model  string
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// maxBatchRequest bounds the texts sent in one request to engines that
// embed natively in batches.
const maxBatchRequest = 64

// EmbedBatch returns embedding vectors for multiple texts, in input order.
// Engines implementing engine.BatchEmbedder get one request per chunk;
// others are called concurrently per text. Returns nil (not error) for
// empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	be, ok := e.engine.(engine.BatchEmbedder)
	if !ok {
		return embedBatch(ctx, e, texts)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchRequest {
		end := min(start+maxBatchRequest, len(texts))
		vecs, err := be.EmbedMany(ctx, e.model, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding texts %d-%d: got %d vectors", start, end-1, len(vecs))
		}
		results = append(results, vecs...)
	}
	return results, nil
}

type single interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func embedBatch(ctx context.Context, e single, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
