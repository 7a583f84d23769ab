// Package normalize turns neighbourhood count vectors into log-compressed,
// row-normalized histograms.
package normalize

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultEpsilon guards the row-sum division for all-zero rows.
const DefaultEpsilon = 1e-6

// Normalizer applies log1p followed by division by (row sum + Epsilon).
// NaN inputs are treated as zero.
type Normalizer struct {
	Epsilon float64
}

// New returns a normalizer; eps <= 0 selects DefaultEpsilon.
func New(eps float64) Normalizer {
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	return Normalizer{Epsilon: eps}
}

// HistogramRow writes the histogram of src into dst and returns dst.
// dst is allocated when nil; dst and src may alias.
func (n Normalizer) HistogramRow(dst, src []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(src))
	}
	sum := 0.0
	for i, v := range src {
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Log1p(v)
		dst[i] = v
		sum += v
	}
	den := sum + n.Epsilon
	for i := range dst[:len(src)] {
		dst[i] /= den
	}
	return dst[:len(src)]
}

// Histograms normalizes every row of m into a new dense matrix.
func (n Normalizer) Histograms(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		n.HistogramRow(out.RawRowView(i), row)
	}
	return out
}
