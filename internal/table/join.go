package table

import (
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// Slide is the joined view of one slide: positions and mark rows in input order.
type Slide struct {
	ID      string
	CellIDs []string
	X       []float64
	Y       []float64
	Columns []string
	// Marks is row-major with len(Columns) values per cell.
	Marks    []float64
	Integral bool
}

// Len returns the number of cells on the slide.
func (s *Slide) Len() int { return len(s.CellIDs) }

// Width returns the mark vector width.
func (s *Slide) Width() int { return len(s.Columns) }

// MarkRow returns the marks of cell i.
func (s *Slide) MarkRow(i int) []float64 {
	w := len(s.Columns)
	return s.Marks[i*w : (i+1)*w : (i+1)*w]
}

// Join pairs every point with exactly one mark row and splits the result by
// slide. Slides appear in order of first occurrence in points; cells keep
// their point-table order.
//
// A point without marks, a mark row without a point, or a duplicated key on
// either side fails the whole join.
func Join(points *PointTable, marks *MarkTable) ([]*Slide, error) {
	if err := points.Validate(); err != nil {
		return nil, err
	}
	if err := marks.Validate(); err != nil {
		return nil, err
	}

	markIndex := make(map[Key]int, len(marks.Keys))
	for i, k := range marks.Keys {
		if _, dup := markIndex[k]; dup {
			return nil, joinError("duplicate mark row", k)
		}
		markIndex[k] = i
	}

	seen := make(map[Key]struct{}, len(points.Keys))
	bySlide := make(map[string]*Slide)
	var order []*Slide
	width := marks.Width()

	for i, k := range points.Keys {
		if _, dup := seen[k]; dup {
			return nil, joinError("duplicate point", k)
		}
		seen[k] = struct{}{}

		mi, ok := markIndex[k]
		if !ok {
			return nil, joinError("point has no mark row", k)
		}

		s, ok := bySlide[k.SlideID]
		if !ok {
			s = &Slide{ID: k.SlideID, Columns: marks.Columns, Integral: marks.Integral}
			bySlide[k.SlideID] = s
			order = append(order, s)
		}
		s.CellIDs = append(s.CellIDs, k.CellID)
		s.X = append(s.X, points.X[i])
		s.Y = append(s.Y, points.Y[i])
		s.Marks = append(s.Marks, marks.Values[mi*width:(mi+1)*width]...)
	}

	if len(seen) != len(markIndex) {
		for _, k := range marks.Keys {
			if _, ok := seen[k]; !ok {
				return nil, joinError("mark row has no point", k)
			}
		}
	}
	return order, nil
}

func joinError(msg string, k Key) error {
	return nicheerr.New(nicheerr.TypeValidation, msg).
		WithDetail("slide_id", k.SlideID).
		WithDetail("cell_id", k.CellID)
}
