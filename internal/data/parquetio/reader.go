package parquetio

import (
	"context"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// ReadFrame reads a Parquet file, or every *.parquet file under a directory
// in lexical path order, into one frame.
func ReadFrame(ctx context.Context, path string) (*Frame, error) {
	files, err := listFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nicheerr.New(nicheerr.TypeNotFound, "no parquet files").WithDetail("path", path)
	}

	mem := memory.NewGoAllocator()
	frames := make([]*Frame, 0, len(files))
	for _, pf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := readFile(ctx, pf.path, mem)
		if err != nil {
			return nil, err
		}
		for _, kv := range pf.partitions {
			if f.Has(kv[0]) {
				continue
			}
			vals := make([]string, f.Len())
			for i := range vals {
				vals[i] = kv[1]
			}
			if err := f.Add(StringColumn(kv[0], vals)); err != nil {
				return nil, err
			}
		}
		frames = append(frames, f)
	}
	return concat(frames)
}

type partFile struct {
	path       string
	partitions [][2]string
}

func listFiles(root string) ([]partFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nicheerr.Wrap(err, nicheerr.TypeNotFound, "input not found").WithDetail("path", root)
		}
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "stat input").WithDetail("path", root)
	}
	if !info.IsDir() {
		return []partFile{{path: root}}, nil
	}

	var out []partFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".parquet") || strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		out = append(out, partFile{path: p, partitions: parsePartitions(rel)})
		return nil
	})
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "list parquet files").WithDetail("path", root)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

func parsePartitions(rel string) [][2]string {
	if rel == "." || rel == "" {
		return nil
	}
	var out [][2]string
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		k, v, ok := strings.Cut(seg, "=")
		if !ok || k == "" {
			continue
		}
		if uv, err := url.PathUnescape(v); err == nil {
			v = uv
		}
		out = append(out, [2]string{k, v})
	}
	return out
}

func readFile(ctx context.Context, path string, mem memory.Allocator) (*Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeIO, "open parquet file").WithDetail("path", path)
	}
	pr, err := file.NewParquetReader(fh)
	if err != nil {
		fh.Close()
		return nil, nicheerr.Wrap(err, nicheerr.TypeData, "read parquet footer").WithDetail("path", path)
	}
	defer pr.Close()

	fr, err := pqarrow.NewFileReader(pr, pqarrow.ArrowReadProperties{BatchSize: 64 * 1024}, mem)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeData, "create arrow reader").WithDetail("path", path)
	}
	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeData, "read parquet table").WithDetail("path", path)
	}
	defer tbl.Release()

	out := &Frame{}
	for i, field := range tbl.Schema().Fields() {
		col, err := convertChunks(field.Name, tbl.Column(i).Data().Chunks())
		if err != nil {
			return nil, nicheerr.Wrap(err, nicheerr.TypeData, "convert column").
				WithDetail("path", path).
				WithDetail("column", field.Name)
		}
		if err := out.Add(col); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// convertChunks copies an arrow column into a Column. Integer and boolean
// columns stay int64 unless they contain nulls, in which case they become
// float64 with NaN for null.
func convertChunks(name string, chunks []arrow.Array) (Column, error) {
	var (
		kind    = KindString
		known   bool
		strs    []string
		ints    []int64
		floats  []float64
		bins    [][]byte
		nullIdx []int
	)

	setKind := func(k Kind) error {
		if known && k != kind {
			return nicheerr.New(nicheerr.TypeData, "mixed chunk types")
		}
		kind, known = k, true
		return nil
	}

	for _, chunk := range chunks {
		n := chunk.Len()
		switch a := chunk.(type) {
		case *array.String:
			if err := setKind(KindString); err != nil {
				return Column{}, err
			}
			for i := 0; i < n; i++ {
				strs = append(strs, strings.Clone(a.Value(i)))
			}
		case *array.LargeString:
			if err := setKind(KindString); err != nil {
				return Column{}, err
			}
			for i := 0; i < n; i++ {
				strs = append(strs, strings.Clone(a.Value(i)))
			}
		case *array.Dictionary:
			if err := setKind(KindString); err != nil {
				return Column{}, err
			}
			dict, ok := a.Dictionary().(*array.String)
			if !ok {
				return Column{}, nicheerr.New(nicheerr.TypeData, "only string dictionaries are supported").
					WithDetail("type", a.Dictionary().DataType().String())
			}
			for i := 0; i < n; i++ {
				if a.IsNull(i) {
					strs = append(strs, "")
					continue
				}
				strs = append(strs, strings.Clone(dict.Value(a.GetValueIndex(i))))
			}
		case *array.Float64:
			if err := setKind(KindFloat); err != nil {
				return Column{}, err
			}
			for i := 0; i < n; i++ {
				if a.IsNull(i) {
					floats = append(floats, math.NaN())
				} else {
					floats = append(floats, a.Value(i))
				}
			}
		case *array.Float32:
			if err := setKind(KindFloat); err != nil {
				return Column{}, err
			}
			for i := 0; i < n; i++ {
				if a.IsNull(i) {
					floats = append(floats, math.NaN())
				} else {
					floats = append(floats, float64(a.Value(i)))
				}
			}
		case *array.Boolean:
			if err := setKind(KindInt); err != nil {
				return Column{}, err
			}
			for i := 0; i < n; i++ {
				if a.IsNull(i) {
					nullIdx = append(nullIdx, len(ints))
				}
				v := int64(0)
				if a.Value(i) {
					v = 1
				}
				ints = append(ints, v)
			}
		case *array.Binary:
			if err := setKind(KindBytes); err != nil {
				return Column{}, err
			}
			for i := 0; i < n; i++ {
				bins = append(bins, append([]byte(nil), a.Value(i)...))
			}
		case *array.LargeBinary:
			if err := setKind(KindBytes); err != nil {
				return Column{}, err
			}
			for i := 0; i < n; i++ {
				bins = append(bins, append([]byte(nil), a.Value(i)...))
			}
		default:
			if !isInteger(chunk.DataType().ID()) {
				return Column{}, nicheerr.New(nicheerr.TypeData, "unsupported column type").
					WithDetail("type", chunk.DataType().String())
			}
			if err := setKind(KindInt); err != nil {
				return Column{}, err
			}
			var err error
			ints, nullIdx, err = appendIntegers(ints, nullIdx, chunk)
			if err != nil {
				return Column{}, err
			}
		}
	}

	switch kind {
	case KindString:
		if strs == nil {
			strs = []string{}
		}
		return StringColumn(name, strs), nil
	case KindFloat:
		return FloatColumn(name, floats), nil
	case KindBytes:
		return BytesColumn(name, bins), nil
	}

	if len(nullIdx) == 0 {
		if ints == nil {
			ints = []int64{}
		}
		return IntColumn(name, ints), nil
	}
	// integers with nulls become floats
	fl := make([]float64, len(ints))
	for i, v := range ints {
		fl[i] = float64(v)
	}
	for _, i := range nullIdx {
		fl[i] = math.NaN()
	}
	c := FloatColumn(name, fl)
	c.Integral = true
	return c, nil
}

func isInteger(id arrow.Type) bool {
	switch id {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	}
	return false
}

type integerArray[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64] interface {
	Len() int
	IsNull(i int) bool
	Value(i int) T
}

func appendIntegerValues[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64](dst []int64, nulls []int, a integerArray[T]) ([]int64, []int) {
	for i := 0; i < a.Len(); i++ {
		if a.IsNull(i) {
			nulls = append(nulls, len(dst))
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, int64(a.Value(i)))
	}
	return dst, nulls
}

func appendIntegers(dst []int64, nulls []int, chunk arrow.Array) ([]int64, []int, error) {
	switch a := chunk.(type) {
	case *array.Int8:
		dst, nulls = appendIntegerValues[int8](dst, nulls, a)
	case *array.Int16:
		dst, nulls = appendIntegerValues[int16](dst, nulls, a)
	case *array.Int32:
		dst, nulls = appendIntegerValues[int32](dst, nulls, a)
	case *array.Int64:
		dst, nulls = appendIntegerValues[int64](dst, nulls, a)
	case *array.Uint8:
		dst, nulls = appendIntegerValues[uint8](dst, nulls, a)
	case *array.Uint16:
		dst, nulls = appendIntegerValues[uint16](dst, nulls, a)
	case *array.Uint32:
		dst, nulls = appendIntegerValues[uint32](dst, nulls, a)
	case *array.Uint64:
		dst, nulls = appendIntegerValues[uint64](dst, nulls, a)
	default:
		return nil, nil, nicheerr.New(nicheerr.TypeData, "unsupported integer array").
			WithDetail("type", chunk.DataType().String())
	}
	return dst, nulls, nil
}
