// Package vectorindex holds immutable nearest-neighbour indexes over
// conversation embeddings.
//
// An Index is a generation: once built it is never mutated, so any number of
// readers may query it while the writer prepares the next one with With.
package vectorindex

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Kind selects the index implementation.
type Kind string

const (
	KindFlat   Kind = "flat"
	KindVPTree Kind = "vptree"
)

// ParseKind validates an index kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindFlat, KindVPTree:
		return Kind(s), nil
	case "":
		return KindFlat, nil
	default:
		return "", fmt.Errorf("unknown index kind %q (want flat or vptree)", s)
	}
}

var (
	// ErrDimension is returned when a vector does not match the index dimension.
	ErrDimension = errors.New("vector dimension mismatch")
	// ErrOrder is returned when an entry id is not greater than every id already indexed.
	ErrOrder = errors.New("entry id out of order")
	// ErrNonFinite is returned for vectors holding NaN or infinite components.
	ErrNonFinite = errors.New("vector has non-finite component")
)

// Entry is one indexed vector.
type Entry struct {
	ID     int64
	Vector []float32
}

// Neighbor is a query result. Distance is the angular distance to the query.
type Neighbor struct {
	ID       int64
	Distance float32
}

// Index is one immutable generation.
type Index interface {
	Kind() Kind
	Dim() int
	Len() int
	// MaxID is the highest indexed id, 0 when empty.
	MaxID() int64
	Generation() uuid.UUID
	// Entries returns the indexed entries in id order. Callers must not modify them.
	Entries() []Entry
	// Query returns up to k neighbours ordered by increasing distance, ties
	// broken by lower id.
	Query(vec []float32, k int) ([]Neighbor, error)
	// With returns a new generation holding the receiver's entries plus e.
	With(e Entry) (Index, error)
}

// Build creates a fresh generation of the given kind from entries, which
// must be in strictly increasing id order.
func Build(kind Kind, dim int, entries []Entry) (Index, error) {
	return build(kind, dim, entries, uuid.New())
}

func build(kind Kind, dim int, entries []Entry, gen uuid.UUID) (Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	pts, err := toPoints(dim, entries)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindFlat:
		return &flatIndex{dim: dim, gen: gen, points: pts}, nil
	case KindVPTree:
		return newVPTree(dim, gen, pts), nil
	default:
		return nil, fmt.Errorf("unknown index kind %q", kind)
	}
}

func toPoints(dim int, entries []Entry) ([]point, error) {
	pts := make([]point, len(entries))
	var last int64
	for i, e := range entries {
		if err := checkVector(dim, e.Vector); err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		if i > 0 && e.ID <= last {
			return nil, fmt.Errorf("entry %d after %d: %w", e.ID, last, ErrOrder)
		}
		last = e.ID
		pts[i] = newPoint(e.ID, e.Vector)
	}
	return pts, nil
}

func checkVector(dim int, vec []float32) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), dim)
	}
	if i := NonFinite(vec); i >= 0 {
		return fmt.Errorf("%w at %d", ErrNonFinite, i)
	}
	return nil
}

// NonFinite returns the index of the first NaN or infinite component, or -1.
func NonFinite(vec []float32) int {
	for i, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}

func entriesOf(pts []point) []Entry {
	out := make([]Entry, len(pts))
	for i, p := range pts {
		out[i] = Entry{ID: p.id, Vector: p.vec}
	}
	return out
}

func maxIDOf(pts []point) int64 {
	if len(pts) == 0 {
		return 0
	}
	return pts[len(pts)-1].id
}
