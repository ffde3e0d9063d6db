package engine

import (
	"context"
	"errors"
)

// ErrPullUnsupported is returned by backends that cannot download models.
var ErrPullUnsupported = errors.New("backend cannot pull models")

// Engine abstracts an inference backend (Ollama or any OpenAI-compatible
// server). The responder chats through it and the embedder embeds through it.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// BatchEmbedder is implemented by engines that embed many texts per request.
// Results are in input order.
type BatchEmbedder interface {
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}
