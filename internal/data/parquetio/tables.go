package parquetio

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// PointColumns names the columns of a point table. Geom is used when X or Y
// is absent and must hold WKB geometries; non-point geometries contribute
// their area centroid.
type PointColumns struct {
	Slide string
	Cell  string
	X     string
	Y     string
	Geom  string
}

// ReadPoints loads and validates a point table.
func ReadPoints(ctx context.Context, path string, cols PointColumns) (*table.PointTable, error) {
	f, err := ReadFrame(ctx, path)
	if err != nil {
		return nil, err
	}
	keys, err := readKeys(f, cols.Slide, cols.Cell)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "read point identity").WithDetail("path", path)
	}

	pt := &table.PointTable{Keys: keys}
	if f.Has(cols.X) && f.Has(cols.Y) {
		if pt.X, _, err = f.FloatValues(cols.X); err != nil {
			return nil, err
		}
		if pt.Y, _, err = f.FloatValues(cols.Y); err != nil {
			return nil, err
		}
	} else if f.Has(cols.Geom) {
		raw, err := f.BytesValues(cols.Geom)
		if err != nil {
			return nil, err
		}
		pt.X, pt.Y, err = decodeWKB(raw, keys)
		if err != nil {
			return nil, err
		}
	} else {
		return nil, nicheerr.New(nicheerr.TypeValidation, "point table needs x/y or geometry columns").
			WithDetail("path", path).
			WithDetail("columns", f.Names())
	}

	if err := pt.Validate(); err != nil {
		return nil, err
	}
	return pt, nil
}

func decodeWKB(raw [][]byte, keys []table.Key) ([]float64, []float64, error) {
	xs := make([]float64, len(raw))
	ys := make([]float64, len(raw))
	for i, b := range raw {
		g, err := wkb.Unmarshal(b)
		if err != nil {
			return nil, nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "decode WKB geometry").
				WithDetail("slide_id", keys[i].SlideID).
				WithDetail("cell_id", keys[i].CellID)
		}
		var p orb.Point
		switch v := g.(type) {
		case orb.Point:
			p = v
		default:
			p, _ = planar.CentroidArea(g)
		}
		xs[i], ys[i] = p[0], p[1]
	}
	return xs, ys, nil
}

// ReadMarks loads a mark table. Every column other than the identity columns
// is a mark column and must be numeric.
func ReadMarks(ctx context.Context, path, slideCol, cellCol string) (*table.MarkTable, error) {
	f, err := ReadFrame(ctx, path)
	if err != nil {
		return nil, err
	}
	keys, err := readKeys(f, slideCol, cellCol)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "read mark identity").WithDetail("path", path)
	}

	mt := &table.MarkTable{Keys: keys, Integral: true}
	var cols [][]float64
	for _, name := range f.Names() {
		if name == slideCol || name == cellCol {
			continue
		}
		vals, integral, err := f.FloatValues(name)
		if err != nil {
			return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "mark column is not numeric").WithDetail("path", path)
		}
		mt.Columns = append(mt.Columns, name)
		mt.Integral = mt.Integral && integral
		cols = append(cols, vals)
	}

	w := len(cols)
	mt.Values = make([]float64, len(keys)*w)
	for c, vals := range cols {
		for i, v := range vals {
			mt.Values[i*w+c] = v
		}
	}
	if err := mt.Validate(); err != nil {
		return nil, err
	}
	return mt, nil
}

func readKeys(f *Frame, slideCol, cellCol string) ([]table.Key, error) {
	slides, err := f.StringValues(slideCol)
	if err != nil {
		return nil, err
	}
	cells, err := f.StringValues(cellCol)
	if err != nil {
		return nil, err
	}
	keys := make([]table.Key, len(slides))
	for i := range slides {
		keys[i] = table.Key{SlideID: slides[i], CellID: cells[i]}
	}
	return keys, nil
}
