package parquetio

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// PartFileName is the file name used inside each partition directory.
const PartFileName = "part-0.parquet"

// Partition is the content of one key=value directory.
type Partition struct {
	Value string
	Frame *Frame
}

// WriteFile writes f to path. The file appears under its final name only
// once it is complete.
func WriteFile(path string, f *Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "create output directory").WithDetail("path", path)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	if err := writeParquet(tmp, f); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nicheerr.Wrap(err, nicheerr.TypeIO, "publish parquet file").WithDetail("path", path)
	}
	return nil
}

// WritePartitioned writes one directory per partition under dir, named
// column=value with the value path-escaped. The complete tree is staged in a
// temporary sibling and renamed into place; an existing dir is replaced.
func WritePartitioned(dir, column string, parts []Partition) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "create output directory").WithDetail("path", parent)
	}
	staging := filepath.Join(parent, "."+filepath.Base(dir)+".tmp-"+uuid.NewString())
	cleanup := func() { os.RemoveAll(staging) }

	for _, p := range parts {
		sub := filepath.Join(staging, column+"="+url.PathEscape(p.Value))
		if err := os.MkdirAll(sub, 0755); err != nil {
			cleanup()
			return nicheerr.Wrap(err, nicheerr.TypeIO, "create partition directory").WithDetail("path", sub)
		}
		if err := writeParquet(filepath.Join(sub, PartFileName), p.Frame); err != nil {
			cleanup()
			return err
		}
	}
	if len(parts) == 0 {
		if err := os.MkdirAll(staging, 0755); err != nil {
			return nicheerr.Wrap(err, nicheerr.TypeIO, "create output directory").WithDetail("path", staging)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		cleanup()
		return nicheerr.Wrap(err, nicheerr.TypeIO, "replace partitioned output").WithDetail("path", dir)
	}
	if err := os.Rename(staging, dir); err != nil {
		cleanup()
		return nicheerr.Wrap(err, nicheerr.TypeIO, "publish partitioned output").WithDetail("path", dir)
	}
	return nil
}

func arrowSchema(f *Frame) (*arrow.Schema, error) {
	if len(f.Columns) == 0 {
		return nil, nicheerr.New(nicheerr.TypeValidation, "cannot write a frame without columns")
	}
	fields := make([]arrow.Field, len(f.Columns))
	for i, c := range f.Columns {
		var dt arrow.DataType
		switch c.Kind {
		case KindString:
			dt = arrow.BinaryTypes.String
		case KindInt:
			dt = arrow.PrimitiveTypes.Int64
		case KindFloat:
			dt = arrow.PrimitiveTypes.Float64
		case KindBytes:
			dt = arrow.BinaryTypes.Binary
		default:
			return nil, nicheerr.New(nicheerr.TypeInternal, "unknown column kind").WithDetail("column", c.Name)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt}
	}
	return arrow.NewSchema(fields, nil), nil
}

func writeParquet(path string, f *Frame) error {
	schema, err := arrowSchema(f)
	if err != nil {
		return err
	}

	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, schema)
	defer b.Release()

	for i := range f.Columns {
		c := &f.Columns[i]
		switch c.Kind {
		case KindString:
			b.Field(i).(*array.StringBuilder).AppendValues(c.Strings, nil)
		case KindInt:
			b.Field(i).(*array.Int64Builder).AppendValues(c.Ints, nil)
		case KindFloat:
			b.Field(i).(*array.Float64Builder).AppendValues(c.Floats, nil)
		case KindBytes:
			b.Field(i).(*array.BinaryBuilder).AppendValues(c.Bytes, nil)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	out, err := os.Create(path)
	if err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "create parquet file").WithDetail("path", path)
	}
	defer out.Close()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(false),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(pool))

	fw, err := pqarrow.NewFileWriter(schema, out, props, arrowProps)
	if err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "create parquet writer").WithDetail("path", path)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return nicheerr.Wrap(err, nicheerr.TypeIO, "write parquet record").WithDetail("path", path)
	}
	if err := fw.Close(); err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "close parquet writer").WithDetail("path", path)
	}
	if err := out.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "sync parquet file").WithDetail("path", path)
	}
	return nil
}
