package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDimension is returned when an embedding does not match the dimension
// the store was initialised with.
var ErrDimension = errors.New("embedding dimension mismatch")

// Conversation is one remembered prompt/response exchange.
type Conversation struct {
	ID        int64
	Prompt    string
	Response  string
	Embedding []float32
	CreatedAt time.Time
}

// NewConversation is the input to AppendBatch.
type NewConversation struct {
	Prompt    string
	Response  string
	Embedding []float32
}

func dimensionError(got, want int) error {
	return fmt.Errorf("%w: got %d, want %d", ErrDimension, got, want)
}
