package table

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

func twoSlidePoints() *PointTable {
	return &PointTable{
		Keys: []Key{{"s1", "a"}, {"s2", "x"}, {"s1", "b"}},
		X:    []float64{0, 5, 1},
		Y:    []float64{0, 5, 1},
	}
}

func TestJoinSplitsBySlide(t *testing.T) {
	marks := &MarkTable{
		Keys:    []Key{{"s1", "b"}, {"s2", "x"}, {"s1", "a"}},
		Columns: []string{"CD3", "CK"},
		Values:  []float64{0, 1, 1, 1, 1, 0},
	}

	slides, err := Join(twoSlidePoints(), marks)
	require.NoError(t, err)
	require.Len(t, slides, 2)

	s1 := slides[0]
	assert.Equal(t, "s1", s1.ID)
	assert.Equal(t, []string{"a", "b"}, s1.CellIDs)
	assert.Equal(t, []float64{1, 0}, s1.MarkRow(0))
	assert.Equal(t, []float64{0, 1}, s1.MarkRow(1))

	s2 := slides[1]
	assert.Equal(t, "s2", s2.ID)
	assert.Equal(t, 1, s2.Len())
	assert.Equal(t, []float64{1, 1}, s2.MarkRow(0))
}

func TestJoinRejectsNonOneToOne(t *testing.T) {
	cols := []string{"CD3"}
	tests := []struct {
		name  string
		marks *MarkTable
	}{
		{"missing mark row", &MarkTable{
			Keys: []Key{{"s1", "a"}, {"s2", "x"}}, Columns: cols, Values: []float64{1, 1},
		}},
		{"duplicate mark row", &MarkTable{
			Keys: []Key{{"s1", "a"}, {"s1", "a"}, {"s2", "x"}, {"s1", "b"}}, Columns: cols, Values: []float64{1, 1, 1, 1},
		}},
		{"orphan mark row", &MarkTable{
			Keys: []Key{{"s1", "a"}, {"s2", "x"}, {"s1", "b"}, {"s3", "z"}}, Columns: cols, Values: []float64{1, 1, 1, 1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Join(twoSlidePoints(), tt.marks)
			require.Error(t, err)
			assert.True(t, nicheerr.IsValidation(err))
		})
	}
}

func TestJoinRejectsDuplicatePoint(t *testing.T) {
	points := &PointTable{
		Keys: []Key{{"s1", "a"}, {"s1", "a"}},
		X:    []float64{0, 1},
		Y:    []float64{0, 1},
	}
	marks := &MarkTable{Keys: []Key{{"s1", "a"}}, Columns: []string{"CD3"}, Values: []float64{1}}
	_, err := Join(points, marks)
	assert.True(t, nicheerr.IsValidation(err))
}

func TestPointValidation(t *testing.T) {
	points := twoSlidePoints()
	points.X[1] = math.NaN()
	assert.True(t, nicheerr.IsValidation(points.Validate()))

	points = twoSlidePoints()
	points.Y[0] = math.Inf(1)
	assert.True(t, nicheerr.IsValidation(points.Validate()))
}

func TestMarkValidation(t *testing.T) {
	m := &MarkTable{Keys: []Key{{"s1", "a"}}, Columns: []string{"CD3", "CK"}, Values: []float64{math.NaN(), 2}}
	assert.NoError(t, m.Validate(), "missing marks are allowed")

	m.Values[1] = -1
	assert.True(t, nicheerr.IsValidation(m.Validate()))

	m.Values = []float64{1}
	assert.True(t, nicheerr.IsValidation(m.Validate()))
}
