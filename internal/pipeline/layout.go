package pipeline

import (
	"math"
	"net/url"
	"path/filepath"

	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/neighbourhood"
	"github.com/atlasmap-sc/cellniche/internal/niche"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// Column names of the published tables.
const (
	SlideColumn = "slide_id"
	CellColumn  = "cell_id"
	NicheColumn = "niche_id"
)

// Layout locates the artifacts of one run under its output directory.
type Layout struct {
	Root string
}

// Neighbourhoods is the slide-partitioned neighbourhood table.
func (l Layout) Neighbourhoods() string {
	return filepath.Join(l.Root, "cell_neighbourhoods")
}

// Histograms is the chunked histogram matrix of a cohort.
func (l Layout) Histograms(cohort string) string {
	return filepath.Join(l.Root, "cohorts", pathName(cohort), "histograms.zarr")
}

// Assignments is the slide-partitioned niche assignment table.
func (l Layout) Assignments() string {
	return filepath.Join(l.Root, "cell_niche_assignment")
}

// SlideAssignments is the assignment partition of one slide.
func (l Layout) SlideAssignments(slideID string) string {
	return filepath.Join(l.Assignments(), SlideColumn+"="+pathName(slideID))
}

// Loading is the per-slide niche count table of a cohort.
func (l Layout) Loading(cohort string) string {
	return filepath.Join(l.Root, "spot_niche_loading", pathName(cohort)+".parquet")
}

// Prototypes is the centroid table of a cohort.
func (l Layout) Prototypes(cohort string) string {
	return filepath.Join(l.Root, "niche_prototypes", pathName(cohort)+".parquet")
}

// Overlays is the directory of overlay images.
func (l Layout) Overlays() string {
	return filepath.Join(l.Root, "overlays")
}

// Overlay is the niche overlay image of a slide.
func (l Layout) Overlay(slideID string) string {
	return filepath.Join(l.Overlays(), pathName(slideID)+".png")
}

// pathName escapes a slide or cohort id into one path element. PathEscape
// leaves "." and "..", which would otherwise address the parent directory.
func pathName(s string) string {
	switch s {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

// valueColumn stores values as int64 when they are integral and have no
// NaN, and as float64 otherwise.
func valueColumn(name string, vals []float64, integral bool) parquetio.Column {
	if integral {
		ints := make([]int64, len(vals))
		ok := true
		for i, v := range vals {
			if math.IsNaN(v) {
				ok = false
				break
			}
			ints[i] = int64(math.Round(v))
		}
		if ok {
			return parquetio.IntColumn(name, ints)
		}
	}
	return parquetio.FloatColumn(name, vals)
}

// column copies column c out of a row-major matrix of width w.
func column(values []float64, w, c int) []float64 {
	n := 0
	if w > 0 {
		n = len(values) / w
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = values[i*w+c]
	}
	return out
}

func neighbourhoodFrame(r *neighbourhood.Result) (*parquetio.Frame, error) {
	cols := []parquetio.Column{parquetio.StringColumn(CellColumn, r.CellIDs)}
	w := len(r.Columns)
	for c, name := range r.Columns {
		cols = append(cols, valueColumn(name, column(r.Sums, w, c), r.Integral))
	}
	return parquetio.NewFrame(cols...)
}

func markFrame(mt *table.MarkTable, slideCol, cellCol string) (*parquetio.Frame, error) {
	slides := make([]string, mt.Len())
	cells := make([]string, mt.Len())
	for i, k := range mt.Keys {
		slides[i], cells[i] = k.SlideID, k.CellID
	}
	cols := []parquetio.Column{
		parquetio.StringColumn(slideCol, slides),
		parquetio.StringColumn(cellCol, cells),
	}
	w := mt.Width()
	for c, name := range mt.Columns {
		cols = append(cols, valueColumn(name, column(mt.Values, w, c), mt.Integral))
	}
	return parquetio.NewFrame(cols...)
}

func assignmentFrame(asg []niche.Assignment) (*parquetio.Frame, error) {
	cells := make([]string, len(asg))
	ids := make([]int64, len(asg))
	for i, a := range asg {
		cells[i] = a.CellID
		ids[i] = int64(a.NicheID)
	}
	return parquetio.NewFrame(
		parquetio.StringColumn(CellColumn, cells),
		parquetio.IntColumn(NicheColumn, ids),
	)
}

func loadingFrame(l *niche.Loading) (*parquetio.Frame, error) {
	cols := []parquetio.Column{parquetio.StringColumn(SlideColumn, l.SlideIDs)}
	for j, name := range l.ColumnNames() {
		counts := make([]int64, len(l.SlideIDs))
		for i := range l.SlideIDs {
			counts[i] = l.Counts[i][j]
		}
		cols = append(cols, parquetio.IntColumn(name, counts))
	}
	return parquetio.NewFrame(cols...)
}

func prototypeFrame(p *niche.Prototypes) (*parquetio.Frame, error) {
	k := p.K()
	ids := make([]int64, k)
	for j := range ids {
		ids[j] = int64(j)
	}
	cols := []parquetio.Column{parquetio.IntColumn(NicheColumn, ids)}
	for c, name := range p.Columns {
		vals := make([]float64, k)
		for j := 0; j < k; j++ {
			vals[j] = p.Centers.At(j, c)
		}
		cols = append(cols, parquetio.FloatColumn(name, vals))
	}
	return parquetio.NewFrame(cols...)
}

// resultsFromMarks regroups a neighbourhood table read back from disk into
// per-slide results, in order of first appearance.
func resultsFromMarks(mt *table.MarkTable) []*neighbourhood.Result {
	idx := make(map[string]int)
	var out []*neighbourhood.Result
	for i, k := range mt.Keys {
		j, ok := idx[k.SlideID]
		if !ok {
			j = len(out)
			idx[k.SlideID] = j
			out = append(out, &neighbourhood.Result{
				SlideID:  k.SlideID,
				Columns:  mt.Columns,
				Integral: mt.Integral,
			})
		}
		r := out[j]
		r.CellIDs = append(r.CellIDs, k.CellID)
		r.Sums = append(r.Sums, mt.Row(i)...)
	}
	for _, r := range out {
		r.NeighbourCounts = make([]int, len(r.CellIDs))
	}
	return out
}
