// Package table holds the in-memory cell tables that flow through the
// pipeline: point coordinates, mark vectors and their per-slide join.
package table

import (
	"math"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// Key identifies a cell. It is unique across the whole dataset.
type Key struct {
	SlideID string
	CellID  string
}

// PointTable holds one row per cell with its 2D position.
type PointTable struct {
	Keys []Key
	X    []float64
	Y    []float64
}

// Len returns the number of points.
func (p *PointTable) Len() int { return len(p.Keys) }

// Validate rejects mismatched column lengths and non-finite coordinates.
func (p *PointTable) Validate() error {
	if len(p.X) != len(p.Keys) || len(p.Y) != len(p.Keys) {
		return nicheerr.New(nicheerr.TypeValidation, "point columns have different lengths").
			WithDetail("keys", len(p.Keys)).
			WithDetail("x", len(p.X)).
			WithDetail("y", len(p.Y))
	}
	for i := range p.Keys {
		if !finite(p.X[i]) || !finite(p.Y[i]) {
			return nicheerr.New(nicheerr.TypeValidation, "non-finite or missing coordinate").
				WithDetail("slide_id", p.Keys[i].SlideID).
				WithDetail("cell_id", p.Keys[i].CellID)
		}
	}
	return nil
}

// MarkTable holds one fixed-width mark vector per cell in row-major order.
// NaN marks a missing value.
type MarkTable struct {
	Keys    []Key
	Columns []string
	Values  []float64
	// Integral is set when every source column was an integer or boolean type.
	Integral bool
}

// Len returns the number of mark rows.
func (m *MarkTable) Len() int { return len(m.Keys) }

// Width returns the number of mark columns.
func (m *MarkTable) Width() int { return len(m.Columns) }

// Row returns row i as a view into Values.
func (m *MarkTable) Row(i int) []float64 {
	w := len(m.Columns)
	return m.Values[i*w : (i+1)*w : (i+1)*w]
}

// Validate rejects shape mismatches and values that cannot be densities.
func (m *MarkTable) Validate() error {
	if len(m.Columns) == 0 {
		return nicheerr.New(nicheerr.TypeValidation, "mark table has no mark columns")
	}
	if len(m.Values) != len(m.Keys)*len(m.Columns) {
		return nicheerr.New(nicheerr.TypeValidation, "mark values do not match table shape").
			WithDetail("rows", len(m.Keys)).
			WithDetail("columns", len(m.Columns)).
			WithDetail("values", len(m.Values))
	}
	for i, v := range m.Values {
		if math.IsNaN(v) {
			continue
		}
		if math.IsInf(v, 0) || v < 0 {
			key := m.Keys[i/len(m.Columns)]
			return nicheerr.New(nicheerr.TypeValidation, "mark values must be finite and non-negative").
				WithDetail("slide_id", key.SlideID).
				WithDetail("cell_id", key.CellID).
				WithDetail("column", m.Columns[i%len(m.Columns)]).
				WithDetail("value", v)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
