package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrProvider means the embedding provider failed. Nothing was stored.
	ErrProvider = errors.New("embedding provider failed")
	// ErrStoreWrite means the record could not be appended. Nothing was stored.
	ErrStoreWrite = errors.New("record store write failed")
	// ErrIndexRebuild means the record is durable but the index could not be
	// advanced or persisted. The index is marked stale and will be rebuilt.
	ErrIndexRebuild = errors.New("index rebuild failed")
	// ErrIndexLoad means the persisted index could not be used at startup.
	ErrIndexLoad = errors.New("index load failed")
	// ErrRecordMissing means the index returned an id the store does not
	// hold. The index is marked stale.
	ErrRecordMissing = errors.New("indexed record missing from store")
	// ErrDimensionMismatch means a vector does not have the configured length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// DimensionError reports the offending vector length.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: got %d, want %d", e.Got, e.Want)
}

// Is makes errors.Is(err, ErrDimensionMismatch) match.
func (e *DimensionError) Is(target error) bool {
	return target == ErrDimensionMismatch
}
