// Package niche joins cluster labels back to cell identity and derives the
// per-slide niche loading and the niche prototype tables.
package niche

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// Assignment maps one cell to its niche.
type Assignment struct {
	SlideID string
	CellID  string
	NicheID int
}

// Assign pairs keys[i] with labels[i]. Every label must lie in [0, k).
func Assign(keys []table.Key, labels []int, k int) ([]Assignment, error) {
	if len(keys) != len(labels) {
		return nil, nicheerr.New(nicheerr.TypeValidation, "label count does not match cell count").
			WithDetail("cells", len(keys)).
			WithDetail("labels", len(labels))
	}
	out := make([]Assignment, len(keys))
	for i, key := range keys {
		l := labels[i]
		if l < 0 || l >= k {
			return nil, nicheerr.New(nicheerr.TypeValidation, "niche id out of range").
				WithDetail("niche_id", l).
				WithDetail("k", k)
		}
		out[i] = Assignment{SlideID: key.SlideID, CellID: key.CellID, NicheID: l}
	}
	return out, nil
}

// BySlide groups assignments by slide id, keeping cell order within a slide.
// Slide ids are returned sorted.
func BySlide(assignments []Assignment) ([]string, map[string][]Assignment) {
	groups := make(map[string][]Assignment)
	for _, a := range assignments {
		groups[a.SlideID] = append(groups[a.SlideID], a)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, groups
}

// Loading is the dense slide x niche cell-count table.
type Loading struct {
	SlideIDs []string
	K        int
	// Counts[i][j] is the number of cells of SlideIDs[i] in niche j.
	Counts [][]int64
}

// BuildLoading counts assignments per slide and niche. Every niche column is
// present for every slide; slides are sorted by id.
func BuildLoading(assignments []Assignment, k int) *Loading {
	ids, groups := BySlide(assignments)
	l := &Loading{SlideIDs: ids, K: k, Counts: make([][]int64, len(ids))}
	for i, id := range ids {
		row := make([]int64, k)
		for _, a := range groups[id] {
			row[a.NicheID]++
		}
		l.Counts[i] = row
	}
	return l
}

// ColumnNames returns niche_0_count .. niche_{k-1}_count.
func (l *Loading) ColumnNames() []string {
	names := make([]string, l.K)
	for j := range names {
		names[j] = fmt.Sprintf("niche_%d_count", j)
	}
	return names
}

// Total returns the number of cells of slide row i.
func (l *Loading) Total(i int) int64 {
	var s int64
	for _, c := range l.Counts[i] {
		s += c
	}
	return s
}

// Fractions returns row i normalized to sum to one.
func (l *Loading) Fractions(i int) []float64 {
	out := make([]float64, l.K)
	total := l.Total(i)
	if total == 0 {
		return out
	}
	for j, c := range l.Counts[i] {
		out[j] = float64(c) / float64(total)
	}
	return out
}

// Prototypes holds one centroid per niche in histogram space.
type Prototypes struct {
	Columns []string
	Centers *mat.Dense
}

// NewPrototypes checks that centers has one column per mark column.
func NewPrototypes(centers *mat.Dense, columns []string) (*Prototypes, error) {
	_, c := centers.Dims()
	if c != len(columns) {
		return nil, nicheerr.New(nicheerr.TypeValidation, "prototype width does not match mark columns").
			WithDetail("prototype_columns", c).
			WithDetail("mark_columns", len(columns))
	}
	return &Prototypes{Columns: columns, Centers: centers}, nil
}

// K returns the number of prototypes.
func (p *Prototypes) K() int {
	r, _ := p.Centers.Dims()
	return r
}

// Row returns the centroid of niche j.
func (p *Prototypes) Row(j int) []float64 {
	return mat.Row(nil, j, p.Centers)
}
