package neighbourhood

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

func newAggregator(t *testing.T, radius float64) *Aggregator {
	t.Helper()
	a, err := New(Config{Radius: radius, Workers: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func TestAggregateTwoCloseCells(t *testing.T) {
	s := &table.Slide{
		ID:      "s1",
		CellIDs: []string{"a", "b"},
		X:       []float64{0, 0.01},
		Y:       []float64{0, 0},
		Columns: []string{"CD3", "CK"},
		Marks:   []float64{1, 0, 1, 1},
	}
	r, err := newAggregator(t, 0.034).AggregateSlide(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 1}, r.Row(0))
	assert.Equal(t, []float64{2, 1}, r.Row(1))
	assert.Equal(t, []int{2, 2}, r.NeighbourCounts)
}

func TestAggregateRadiusZeroIsSelf(t *testing.T) {
	s := &table.Slide{
		ID:      "s1",
		CellIDs: []string{"a", "b", "c"},
		X:       []float64{0, 1, 2},
		Y:       []float64{0, 1, 2},
		Columns: []string{"m"},
		Marks:   []float64{3, math.NaN(), 1},
	}
	r, err := newAggregator(t, 0).AggregateSlide(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 0, 1}, r.Sums, "missing marks count as zero")
}

func TestAggregatePreservesMultiplicity(t *testing.T) {
	s := &table.Slide{
		ID:      "s1",
		CellIDs: []string{"a", "b", "c"},
		X:       []float64{0, 0, 0},
		Y:       []float64{0, 0, 0},
		Columns: []string{"m"},
		Marks:   []float64{1, 1, 1},
	}
	r, err := newAggregator(t, 0.1).AggregateSlide(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3, 3}, r.Sums)
}

func randomSlide(id string, n int, seed int64) *table.Slide {
	rng := rand.New(rand.NewSource(seed))
	s := &table.Slide{ID: id, Columns: []string{"CD3", "CD8", "CK"}}
	for i := 0; i < n; i++ {
		s.CellIDs = append(s.CellIDs, fmt.Sprintf("%s-%d", id, i))
		s.X = append(s.X, rng.Float64()*0.5)
		s.Y = append(s.Y, rng.Float64()*0.5)
		for c := 0; c < 3; c++ {
			s.Marks = append(s.Marks, float64(rng.Intn(2)))
		}
	}
	return s
}

func TestAggregateOrderInvariant(t *testing.T) {
	s := randomSlide("s1", 400, 7)
	perm := rand.New(rand.NewSource(8)).Perm(s.Len())

	shuffled := &table.Slide{ID: s.ID, Columns: s.Columns}
	for _, p := range perm {
		shuffled.CellIDs = append(shuffled.CellIDs, s.CellIDs[p])
		shuffled.X = append(shuffled.X, s.X[p])
		shuffled.Y = append(shuffled.Y, s.Y[p])
		shuffled.Marks = append(shuffled.Marks, s.MarkRow(p)...)
	}

	a := newAggregator(t, 0.034)
	r1, err := a.AggregateSlide(context.Background(), s)
	require.NoError(t, err)
	r2, err := a.AggregateSlide(context.Background(), shuffled)
	require.NoError(t, err)

	for i, p := range perm {
		assert.Equal(t, r1.Row(p), r2.Row(i))
	}
}

func TestAggregateRadiusMonotone(t *testing.T) {
	s := randomSlide("s1", 300, 11)
	small, err := newAggregator(t, 0.02).AggregateSlide(context.Background(), s)
	require.NoError(t, err)
	large, err := newAggregator(t, 0.05).AggregateSlide(context.Background(), s)
	require.NoError(t, err)

	for i := range small.Sums {
		assert.GreaterOrEqual(t, large.Sums[i], small.Sums[i])
	}
}

func TestAggregateSlidesNoLeakage(t *testing.T) {
	// Two slides with identical coordinates must not see each other's cells.
	s1 := &table.Slide{ID: "s1", CellIDs: []string{"a"}, X: []float64{0}, Y: []float64{0}, Columns: []string{"m"}, Marks: []float64{1}}
	s2 := &table.Slide{ID: "s2", CellIDs: []string{"a"}, X: []float64{0}, Y: []float64{0}, Columns: []string{"m"}, Marks: []float64{5}}

	results, err := newAggregator(t, 1).AggregateSlides(context.Background(), []*table.Slide{s1, s2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []float64{1}, results[0].Sums)
	assert.Equal(t, []float64{5}, results[1].Sums)
}

func TestAggregateSlidesFailsOnEmptySlide(t *testing.T) {
	good := randomSlide("s1", 10, 1)
	empty := &table.Slide{ID: "s2", Columns: []string{"CD3", "CD8", "CK"}}

	_, err := newAggregator(t, 0.1).AggregateSlides(context.Background(), []*table.Slide{good, empty})
	require.Error(t, err)
	assert.True(t, nicheerr.IsValidation(err))
}

func TestNewRejectsNegativeRadius(t *testing.T) {
	_, err := New(Config{Radius: -0.1}, nil)
	assert.True(t, nicheerr.IsType(err, nicheerr.TypeConfig))
}
