package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/recall/internal/composer"
	"github.com/kalambet/recall/internal/engine"
	"github.com/kalambet/recall/internal/memory"
)

// MemoryService is the part of memory.Service the responder uses.
type MemoryService interface {
	RetrieveSimilar(ctx context.Context, prompt string, k int) ([]memory.Memory, error)
	RecordAndIndex(ctx context.Context, prompt, response string) (int64, error)
}

// Chatter produces the assistant's reply.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message) (string, error)
}

// Result describes one answered prompt.
type Result struct {
	Response     string
	MemoriesUsed []int64
	// RecordedID is 0 when the exchange could not be stored.
	RecordedID int64
	// Indexed is false when the exchange was stored but is not yet searchable.
	Indexed    bool
	DurationMs int64
}

// Responder answers a prompt with the help of past conversations and then
// remembers the exchange.
type Responder struct {
	memory          MemoryService
	chat            Chatter
	model           string
	composer        *composer.Composer
	personalityPath string
	topK            int
	logger          *slog.Logger
}

// NewResponder wires a Responder. topK controls how many past conversations
// are retrieved (default 5 if <= 0).
func NewResponder(mem MemoryService, chat Chatter, model string, comp *composer.Composer, personalityPath string, topK int) *Responder {
	if topK <= 0 {
		topK = 5
	}
	return &Responder{
		memory:          mem,
		chat:            chat,
		model:           model,
		composer:        comp,
		personalityPath: personalityPath,
		topK:            topK,
		logger:          slog.Default(),
	}
}

// Respond runs the full flow:
//  1. Load the personality (re-read on every call so edits apply live)
//  2. Retrieve similar past conversations
//  3. Compose system and user messages and ask the model
//  4. Record the exchange
//
// Retrieval and recording failures degrade the answer instead of failing it;
// only a failed model call is returned as an error.
func (r *Responder) Respond(ctx context.Context, prompt string) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	personality, perr := composer.LoadPersonality(r.personalityPath)
	if perr != nil {
		r.logger.Warn("respond: reading personality failed, using default", "path", r.personalityPath, "error", perr)
		personality = composer.DefaultPersonality
	}

	memories, merr := r.memory.RetrieveSimilar(ctx, prompt, r.topK)
	if merr != nil {
		r.logger.Warn("respond: retrieval failed, answering without memories", "error", merr)
		memories = nil
	}
	for _, m := range memories {
		res.MemoriesUsed = append(res.MemoriesUsed, m.ID)
	}

	msgs := r.composer.Compose(personality, memories, prompt)
	reply, err := r.chat.Chat(ctx, r.model, msgs)
	if err != nil {
		return res, fmt.Errorf("generating response: %w", err)
	}
	res.Response = reply

	id, err := r.memory.RecordAndIndex(ctx, prompt, reply)
	switch {
	case err == nil:
		res.RecordedID = id
		res.Indexed = true
	case errors.Is(err, memory.ErrIndexRebuild):
		r.logger.Warn("respond: exchange stored but not yet searchable", "id", id, "error", err)
		res.RecordedID = id
	default:
		r.logger.Error("respond: recording exchange failed", "error", err)
	}

	r.logger.Debug("respond complete",
		"memories_used", len(res.MemoriesUsed),
		"recorded_id", res.RecordedID,
	)
	return res, nil
}
