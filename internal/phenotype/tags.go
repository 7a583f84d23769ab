// Package phenotype turns per-cell marker tags into multi-hot mark vectors
// and maps marker combinations onto curated phenotype labels.
package phenotype

import (
	"math"
	"sort"
	"strings"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// Tag is a parsed marker tag such as "CD3 positive".
type Tag struct {
	Marker   string
	Positive bool
}

// ParseTag splits a tag at its last space or underscore into a marker name
// and a positive/negative value. Spaces inside the marker become
// underscores.
func ParseTag(s string) (Tag, error) {
	norm := strings.ReplaceAll(strings.TrimSpace(s), " ", "_")
	i := strings.LastIndex(norm, "_")
	if i <= 0 {
		return Tag{}, nicheerr.New(nicheerr.TypeValidation, "tag has no marker/value separator").WithDetail("tag", s)
	}
	marker, value := norm[:i], norm[i+1:]
	switch value {
	case "positive":
		return Tag{Marker: marker, Positive: true}, nil
	case "negative":
		return Tag{Marker: marker}, nil
	default:
		return Tag{}, nicheerr.New(nicheerr.TypeValidation, "tag value must be positive or negative").
			WithDetail("tag", s).
			WithDetail("value", value)
	}
}

// Record is one long-format tag observation.
type Record struct {
	SlideID string
	CellID  string
	Tag     string
}

// MultiHot is a cell by marker matrix of 0/1 values. A marker never tagged
// on a cell is NaN.
type MultiHot struct {
	Keys    []table.Key
	Markers []string
	Values  []float64
}

// Len returns the number of cells.
func (m *MultiHot) Len() int { return len(m.Keys) }

// Row returns the marker vector of cell i.
func (m *MultiHot) Row(i int) []float64 {
	w := len(m.Markers)
	return m.Values[i*w : (i+1)*w]
}

// Column returns the index of marker, or -1.
func (m *MultiHot) Column(marker string) int {
	for j, c := range m.Markers {
		if c == marker {
			return j
		}
	}
	return -1
}

// BuildMultiHot pivots long-format records into one row per cell, in order
// of first appearance, with markers sorted by name. Repeated identical
// records are ignored; a marker tagged both positive and negative on the
// same cell is an error.
func BuildMultiHot(records []Record) (*MultiHot, error) {
	cells := make(map[table.Key]int)
	var keys []table.Key
	markerSet := make(map[string]struct{})
	type cellMarker struct {
		cell   int
		marker string
	}
	seen := make(map[cellMarker]bool)
	var all []cellMarker

	for _, r := range records {
		tag, err := ParseTag(r.Tag)
		if err != nil {
			return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "parse tag").
				WithDetail("slide_id", r.SlideID).
				WithDetail("cell_id", r.CellID)
		}
		k := table.Key{SlideID: r.SlideID, CellID: r.CellID}
		ci, ok := cells[k]
		if !ok {
			ci = len(keys)
			cells[k] = ci
			keys = append(keys, k)
		}
		cm := cellMarker{cell: ci, marker: tag.Marker}
		if prev, dup := seen[cm]; dup {
			if prev != tag.Positive {
				return nil, nicheerr.New(nicheerr.TypeValidation, "marker tagged both positive and negative").
					WithDetail("slide_id", r.SlideID).
					WithDetail("cell_id", r.CellID).
					WithDetail("marker", tag.Marker)
			}
			continue
		}
		seen[cm] = tag.Positive
		markerSet[tag.Marker] = struct{}{}
		all = append(all, cm)
	}

	markers := make([]string, 0, len(markerSet))
	for m := range markerSet {
		markers = append(markers, m)
	}
	sort.Strings(markers)
	col := make(map[string]int, len(markers))
	for j, m := range markers {
		col[m] = j
	}

	w := len(markers)
	values := make([]float64, len(keys)*w)
	for i := range values {
		values[i] = math.NaN()
	}
	for _, o := range all {
		v := 0.0
		if seen[o] {
			v = 1
		}
		values[o.cell*w+col[o.marker]] = v
	}
	return &MultiHot{Keys: keys, Markers: markers, Values: values}, nil
}

// immuneMarkers take precedence over CK on the same cell.
var immuneMarkers = []string{"CD3", "CD20", "CD68", "CD163"}

// CleanConflicting zeroes CK on cells positive for an immune marker and
// returns how many CK values changed. Markers absent from the matrix are
// skipped.
func (m *MultiHot) CleanConflicting() int {
	ck := m.Column("CK")
	if ck < 0 {
		return 0
	}
	var idx []int
	for _, name := range immuneMarkers {
		if j := m.Column(name); j >= 0 {
			idx = append(idx, j)
		}
	}
	changed := 0
	for i := 0; i < m.Len(); i++ {
		row := m.Row(i)
		for _, j := range idx {
			if row[j] == 1 {
				if row[ck] != 0 {
					changed++
				}
				row[ck] = 0
				break
			}
		}
	}
	return changed
}

// MarkTable exposes the multi-hot matrix as a mark table.
func (m *MultiHot) MarkTable() *table.MarkTable {
	return &table.MarkTable{
		Keys:     m.Keys,
		Columns:  m.Markers,
		Values:   m.Values,
		Integral: true,
	}
}
