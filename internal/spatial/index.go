// Package spatial provides exact fixed-radius neighbour queries over the
// cells of one slide.
package spatial

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// bucket holds every point index sharing one exact coordinate. The quadtree
// keeps one point per node, so identical coordinates inserted separately
// would chain one level deeper each.
type bucket struct {
	p    orb.Point
	idxs []int
}

func (b *bucket) Point() orb.Point { return b.p }

// Index is a quadtree over a fixed set of points. It is immutable after
// construction and safe for concurrent queries.
type Index struct {
	tree    *quadtree.Quadtree
	points  []orb.Point
	buckets int
}

// NewIndex builds an index over the coordinates xs[i], ys[i].
// Every coordinate must be finite.
func NewIndex(xs, ys []float64) (*Index, error) {
	if len(xs) != len(ys) {
		return nil, nicheerr.New(nicheerr.TypeValidation, "coordinate slices differ in length").
			WithDetail("x", len(xs)).
			WithDetail("y", len(ys))
	}

	points := make([]orb.Point, len(xs))
	for i := range xs {
		if !finite(xs[i]) || !finite(ys[i]) {
			return nil, nicheerr.New(nicheerr.TypeValidation, "non-finite coordinate").
				WithDetail("index", i)
		}
		points[i] = orb.Point{xs[i], ys[i]}
	}

	ix := &Index{points: points}
	if len(points) == 0 {
		return ix, nil
	}

	byPoint := make(map[orb.Point]*bucket, len(points))
	var order []*bucket
	for i, p := range points {
		b, ok := byPoint[p]
		if !ok {
			b = &bucket{p: p}
			byPoint[p] = b
			order = append(order, b)
		}
		b.idxs = append(b.idxs, i)
	}

	bound := orb.MultiPoint(points).Bound()
	ix.tree = quadtree.New(bound)
	for _, b := range order {
		if err := ix.tree.Add(b); err != nil {
			return nil, nicheerr.Wrap(err, nicheerr.TypeInternal, "quadtree insert").WithDetail("index", b.idxs[0])
		}
	}
	ix.buckets = len(order)
	return ix, nil
}

// Len returns the number of indexed points.
func (ix *Index) Len() int { return len(ix.points) }

// Neighbours returns the indices of all points within Euclidean distance r
// of point i, including i itself, in ascending order. buf is reused for the
// quadtree candidates and may be nil.
func (ix *Index) Neighbours(i int, r float64, buf []orb.Pointer) ([]int, []orb.Pointer) {
	center := ix.points[i]
	r2 := r * r
	b := orb.Bound{
		Min: orb.Point{center[0] - r, center[1] - r},
		Max: orb.Point{center[0] + r, center[1] + r},
	}
	buf = ix.tree.InBoundMatching(buf[:0], b, func(p orb.Pointer) bool {
		return planar.DistanceSquared(p.Point(), center) <= r2
	})

	n := 1
	for _, p := range buf {
		n += len(p.(*bucket).idxs)
	}
	out := make([]int, 0, n)
	self := false
	for _, p := range buf {
		for _, j := range p.(*bucket).idxs {
			if j == i {
				self = true
			}
			out = append(out, j)
		}
	}
	if !self {
		// self is always a neighbour
		out = append(out, i)
	}
	sort.Ints(out)
	return out, buf
}

// QueryRadius returns, for every point, the sorted indices of the points
// within distance r (self included).
func (ix *Index) QueryRadius(r float64) ([][]int, error) {
	if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return nil, nicheerr.New(nicheerr.TypeValidation, "radius must be finite and non-negative").
			WithDetail("radius", r)
	}
	out := make([][]int, len(ix.points))
	var buf []orb.Pointer
	for i := range ix.points {
		out[i], buf = ix.Neighbours(i, r, buf)
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
