package vectorindex

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// pruneSlack covers the float32 rounding of reported distances plus the
// float64 error of angular, so a subtree that may hold a point tying the
// current k-th result is never skipped.
const pruneSlack = 1e-6

// vpTree is a vantage-point tree over the angular metric. Pruning only
// discards subtrees that provably cannot improve the result, so answers are
// identical to a flat scan.
type vpTree struct {
	dim    int
	gen    uuid.UUID
	points []point
	root   *vpNode
}

type vpNode struct {
	p     point
	thr   float64 // points in left are within thr of p, points in right at least thr away
	left  *vpNode
	right *vpNode
}

func newVPTree(dim int, gen uuid.UUID, pts []point) *vpTree {
	t := &vpTree{dim: dim, gen: gen, points: pts}
	work := make([]point, len(pts))
	copy(work, pts)
	t.root = buildVP(work)
	return t
}

func buildVP(pts []point) *vpNode {
	if len(pts) == 0 {
		return nil
	}
	// Last point as vantage keeps builds deterministic.
	n := &vpNode{p: pts[len(pts)-1]}
	rest := pts[:len(pts)-1]
	if len(rest) == 0 {
		return n
	}

	type ranked struct {
		p point
		d float64
	}
	rs := make([]ranked, len(rest))
	for i, p := range rest {
		rs[i] = ranked{p: p, d: angular(n.p, p)}
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].d != rs[j].d {
			return rs[i].d < rs[j].d
		}
		return rs[i].p.id < rs[j].p.id
	})

	mid := len(rs) / 2
	n.thr = rs[mid].d
	left := make([]point, 0, mid+1)
	right := make([]point, 0, len(rs)-mid-1)
	for i, r := range rs {
		if i <= mid {
			left = append(left, r.p)
		} else {
			right = append(right, r.p)
		}
	}
	n.left = buildVP(left)
	n.right = buildVP(right)
	return n
}

func (t *vpTree) Kind() Kind            { return KindVPTree }
func (t *vpTree) Dim() int              { return t.dim }
func (t *vpTree) Len() int              { return len(t.points) }
func (t *vpTree) MaxID() int64          { return maxIDOf(t.points) }
func (t *vpTree) Generation() uuid.UUID { return t.gen }
func (t *vpTree) Entries() []Entry      { return entriesOf(t.points) }

func (t *vpTree) Query(vec []float32, k int) ([]Neighbor, error) {
	if k <= 0 || len(t.points) == 0 {
		return []Neighbor{}, nil
	}
	if err := checkVector(t.dim, vec); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if k > len(t.points) {
		k = len(t.points)
	}
	q := newPoint(0, vec)
	top := newTopK(k)
	t.search(t.root, q, top)
	return top.items, nil
}

func (t *vpTree) search(n *vpNode, q point, top *topK) {
	if n == nil {
		return
	}
	d := angular(q, n.p)
	top.offer(Neighbor{ID: n.p.id, Distance: float32(d)})

	// bound is a lower bound on the distance from q to any point in child.
	visit := func(child *vpNode, bound float64) {
		if child == nil {
			return
		}
		if top.full() && bound > float64(top.worst())+pruneSlack {
			return
		}
		t.search(child, q, top)
	}

	if d <= n.thr {
		visit(n.left, d-n.thr)
		visit(n.right, n.thr-d)
	} else {
		visit(n.right, n.thr-d)
		visit(n.left, d-n.thr)
	}
}

func (t *vpTree) With(e Entry) (Index, error) {
	if err := checkVector(t.dim, e.Vector); err != nil {
		return nil, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if e.ID <= t.MaxID() {
		return nil, fmt.Errorf("entry %d after %d: %w", e.ID, t.MaxID(), ErrOrder)
	}
	pts := make([]point, len(t.points)+1)
	copy(pts, t.points)
	pts[len(t.points)] = newPoint(e.ID, e.Vector)
	return newVPTree(t.dim, uuid.New(), pts), nil
}
