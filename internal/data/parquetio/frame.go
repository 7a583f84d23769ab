// Package parquetio reads and writes the pipeline's tabular artifacts as
// Parquet through Apache Arrow.
//
// A Frame is a small column-oriented table. Reads accept a single file or a
// directory tree of files; key=value directory segments (hive partitioning)
// are restored as string columns.
package parquetio

import (
	"strconv"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// Kind is the storage type of a column.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindBytes:
		return "binary"
	default:
		return "unknown"
	}
}

// Column is one named column. Only the slice matching Kind is set.
type Column struct {
	Name    string
	Kind    Kind
	Strings []string
	Ints    []int64
	Floats  []float64
	Bytes   [][]byte
	// Integral marks float columns decoded from integer or boolean types
	// that contained nulls.
	Integral bool
}

// StringColumn creates a string column.
func StringColumn(name string, v []string) Column {
	return Column{Name: name, Kind: KindString, Strings: v}
}

// IntColumn creates an int64 column.
func IntColumn(name string, v []int64) Column {
	return Column{Name: name, Kind: KindInt, Ints: v}
}

// FloatColumn creates a float64 column.
func FloatColumn(name string, v []float64) Column {
	return Column{Name: name, Kind: KindFloat, Floats: v}
}

// BytesColumn creates a binary column.
func BytesColumn(name string, v [][]byte) Column {
	return Column{Name: name, Kind: KindBytes, Bytes: v}
}

// Len returns the number of values.
func (c *Column) Len() int {
	switch c.Kind {
	case KindString:
		return len(c.Strings)
	case KindInt:
		return len(c.Ints)
	case KindFloat:
		return len(c.Floats)
	default:
		return len(c.Bytes)
	}
}

// Numeric reports whether the column holds numbers.
func (c *Column) Numeric() bool {
	return c.Kind == KindInt || c.Kind == KindFloat
}

// Frame is an ordered set of equal-length columns.
type Frame struct {
	Columns []Column
	index   map[string]int
}

// NewFrame builds a frame and checks column lengths and name uniqueness.
func NewFrame(cols ...Column) (*Frame, error) {
	f := &Frame{}
	for _, c := range cols {
		if err := f.Add(c); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Add appends a column.
func (f *Frame) Add(c Column) error {
	if f.index == nil {
		f.index = make(map[string]int)
	}
	if _, dup := f.index[c.Name]; dup {
		return nicheerr.New(nicheerr.TypeValidation, "duplicate column").WithDetail("column", c.Name)
	}
	if len(f.Columns) > 0 && c.Len() != f.Len() {
		return nicheerr.New(nicheerr.TypeValidation, "column length mismatch").
			WithDetail("column", c.Name).
			WithDetail("length", c.Len()).
			WithDetail("expected", f.Len())
	}
	f.index[c.Name] = len(f.Columns)
	f.Columns = append(f.Columns, c)
	return nil
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if len(f.Columns) == 0 {
		return 0
	}
	return f.Columns[0].Len()
}

// Names returns the column names in order.
func (f *Frame) Names() []string {
	out := make([]string, len(f.Columns))
	for i := range f.Columns {
		out[i] = f.Columns[i].Name
	}
	return out
}

// Col returns the named column.
func (f *Frame) Col(name string) (*Column, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return &f.Columns[i], true
}

// Has reports whether the named column exists.
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// StringValues returns the named column as strings. Integer columns are
// formatted in base 10, which covers integer cell and slide identifiers.
func (f *Frame) StringValues(name string) ([]string, error) {
	c, ok := f.Col(name)
	if !ok {
		return nil, missingColumn(name)
	}
	switch c.Kind {
	case KindString:
		return c.Strings, nil
	case KindInt:
		out := make([]string, len(c.Ints))
		for i, v := range c.Ints {
			out[i] = strconv.FormatInt(v, 10)
		}
		return out, nil
	default:
		return nil, nicheerr.New(nicheerr.TypeValidation, "column is not a string or integer column").
			WithDetail("column", name).
			WithDetail("kind", c.Kind.String())
	}
}

// FloatValues returns the named numeric column as float64 and whether its
// source type was integral.
func (f *Frame) FloatValues(name string) ([]float64, bool, error) {
	c, ok := f.Col(name)
	if !ok {
		return nil, false, missingColumn(name)
	}
	switch c.Kind {
	case KindFloat:
		return c.Floats, c.Integral, nil
	case KindInt:
		out := make([]float64, len(c.Ints))
		for i, v := range c.Ints {
			out[i] = float64(v)
		}
		return out, true, nil
	default:
		return nil, false, nicheerr.New(nicheerr.TypeValidation, "column is not numeric").
			WithDetail("column", name).
			WithDetail("kind", c.Kind.String())
	}
}

// BytesValues returns the named binary column.
func (f *Frame) BytesValues(name string) ([][]byte, error) {
	c, ok := f.Col(name)
	if !ok {
		return nil, missingColumn(name)
	}
	if c.Kind != KindBytes {
		return nil, nicheerr.New(nicheerr.TypeValidation, "column is not binary").WithDetail("column", name)
	}
	return c.Bytes, nil
}

func missingColumn(name string) error {
	return nicheerr.New(nicheerr.TypeValidation, "missing column").WithDetail("column", name)
}

// concat stacks frames with the same column set. Int and float columns of
// the same name are unified to float.
func concat(frames []*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return &Frame{}, nil
	}
	if len(frames) == 1 {
		return frames[0], nil
	}

	first := frames[0]
	out := &Frame{}
	for _, c := range first.Columns {
		kind := c.Kind
		integral := c.Integral || c.Kind == KindInt
		for _, f := range frames[1:] {
			other, ok := f.Col(c.Name)
			if !ok {
				return nil, nicheerr.New(nicheerr.TypeValidation, "files disagree on columns").WithDetail("column", c.Name)
			}
			if other.Kind != kind {
				if other.Numeric() && c.Numeric() {
					kind = KindFloat
				} else {
					return nil, nicheerr.New(nicheerr.TypeValidation, "files disagree on column type").
						WithDetail("column", c.Name).
						WithDetail("kinds", kind.String()+"/"+other.Kind.String())
				}
			}
			integral = integral && (other.Integral || other.Kind == KindInt)
		}

		merged := Column{Name: c.Name, Kind: kind}
		for _, f := range frames {
			src := &f.Columns[f.index[c.Name]]
			switch kind {
			case KindString:
				merged.Strings = append(merged.Strings, src.Strings...)
			case KindInt:
				merged.Ints = append(merged.Ints, src.Ints...)
			case KindBytes:
				merged.Bytes = append(merged.Bytes, src.Bytes...)
			case KindFloat:
				if src.Kind == KindInt {
					for _, v := range src.Ints {
						merged.Floats = append(merged.Floats, float64(v))
					}
				} else {
					merged.Floats = append(merged.Floats, src.Floats...)
				}
			}
		}
		merged.Integral = kind == KindFloat && integral
		if err := out.Add(merged); err != nil {
			return nil, err
		}
	}

	for _, f := range frames[1:] {
		if len(f.Columns) != len(first.Columns) {
			return nil, nicheerr.New(nicheerr.TypeValidation, "files disagree on columns").
				WithDetail("columns", len(f.Columns)).
				WithDetail("expected", len(first.Columns))
		}
	}
	return out, nil
}
