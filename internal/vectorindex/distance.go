package vectorindex

import (
	"math"
	"sort"

	"github.com/viant/vec/search"
)

type point struct {
	id  int64
	vec []float32
	inv float64 // 1/|vec|, 0 for the zero vector
}

func newPoint(id int64, vec []float32) point {
	p := point{id: id, vec: vec}
	if m := magnitude(vec); m > 0 {
		p.inv = 1 / m
	}
	return p
}

// magnitude uses the vec kernel and redoes the sum in float64 when the
// float32 accumulation overflowed or underflowed.
func magnitude(vec []float32) float64 {
	m := float64(search.Float32s(vec).Magnitude())
	if m > 0 && !math.IsInf(m, 0) {
		return m
	}
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// angular returns sqrt(2*(1-cos)), computed as the Euclidean distance
// between the normalised vectors. Working on the difference avoids the
// cancellation in 1-cos, so near-duplicates come out at (almost exactly)
// zero and the triangle inequality the vp-tree prunes on holds to within
// float64 rounding. A zero vector is at sqrt(2) from everything.
func angular(a, b point) float64 {
	if a.inv == 0 || b.inv == 0 {
		return math.Sqrt2
	}
	var sum float64
	for i, x := range a.vec {
		d := float64(x)*a.inv - float64(b.vec[i])*b.inv
		sum += d * d
	}
	return math.Sqrt(sum)
}

func less(a, b Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// topK keeps the k best neighbours seen so far, sorted.
type topK struct {
	k     int
	items []Neighbor
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]Neighbor, 0, k)}
}

func (t *topK) full() bool { return len(t.items) == t.k }

// worst returns the distance of the k-th best candidate. Only valid when full.
func (t *topK) worst() float32 { return t.items[len(t.items)-1].Distance }

func (t *topK) offer(n Neighbor) {
	if t.full() && !less(n, t.items[len(t.items)-1]) {
		return
	}
	i := sort.Search(len(t.items), func(i int) bool { return less(n, t.items[i]) })
	if !t.full() {
		t.items = append(t.items, Neighbor{})
	}
	copy(t.items[i+1:], t.items[i:len(t.items)-1])
	t.items[i] = n
}
