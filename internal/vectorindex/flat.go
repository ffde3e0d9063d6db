package vectorindex

import (
	"fmt"

	"github.com/google/uuid"
)

// flatIndex answers queries with an exact linear scan.
type flatIndex struct {
	dim    int
	gen    uuid.UUID
	points []point
}

func (f *flatIndex) Kind() Kind            { return KindFlat }
func (f *flatIndex) Dim() int              { return f.dim }
func (f *flatIndex) Len() int              { return len(f.points) }
func (f *flatIndex) MaxID() int64          { return maxIDOf(f.points) }
func (f *flatIndex) Generation() uuid.UUID { return f.gen }
func (f *flatIndex) Entries() []Entry      { return entriesOf(f.points) }

func (f *flatIndex) Query(vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 || len(f.points) == 0 {
		return []Neighbor{}, nil
	}
	if err := checkVector(f.dim, vec); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if k > len(f.points) {
		k = len(f.points)
	}
	q := newPoint(0, vec)
	top := newTopK(k)
	for _, p := range f.points {
		top.offer(Neighbor{ID: p.id, Distance: float32(angular(q, p))})
	}
	return top.items, nil
}

func (f *flatIndex) With(e Entry) (Index, error) {
	if err := checkVector(f.dim, e.Vector); err != nil {
		return nil, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if e.ID <= f.MaxID() {
		return nil, fmt.Errorf("entry %d after %d: %w", e.ID, f.MaxID(), ErrOrder)
	}
	// Fresh backing array: the receiver may still be serving readers.
	pts := make([]point, len(f.points)+1)
	copy(pts, f.points)
	pts[len(f.points)] = newPoint(e.ID, e.Vector)
	return &flatIndex{dim: f.dim, gen: uuid.New(), points: pts}, nil
}
