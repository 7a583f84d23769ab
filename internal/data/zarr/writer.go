package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Writer appends rows to a new array. The row count is only known once the
// writer is closed, so zarr.json is written last.
type Writer struct {
	path      string
	columns   []string
	chunkRows int
	enc       *zstd.Encoder
	meta      *ArrayMeta

	buf    []float64
	n      int
	rows   int
	chunk  int
	closed bool
	raw    []byte
}

// Create starts a new array at path, replacing anything already there.
func Create(path string, columns []string, chunkRows int) (*Writer, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("zarr array needs at least one column")
	}
	if chunkRows <= 0 {
		return nil, fmt.Errorf("invalid chunk rows: %d", chunkRows)
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Join(path, chunkDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create zarr store: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	cols := append([]string(nil), columns...)
	return &Writer{
		path:      path,
		columns:   cols,
		chunkRows: chunkRows,
		enc:       enc,
		meta:      newMeta(0, len(cols), chunkRows, cols),
		buf:       make([]float64, chunkRows*len(cols)),
		raw:       make([]byte, chunkRows*len(cols)*float64Sz),
	}, nil
}

// Path returns the array directory.
func (w *Writer) Path() string { return w.path }

// Rows returns the number of rows appended so far.
func (w *Writer) Rows() int { return w.rows }

// AppendRow copies row into the array.
func (w *Writer) AppendRow(row []float64) error {
	if w.closed {
		return fmt.Errorf("zarr writer is closed")
	}
	m := len(w.columns)
	if len(row) != m {
		return fmt.Errorf("row has %d values, array has %d columns", len(row), m)
	}
	copy(w.buf[w.n*m:(w.n+1)*m], row)
	w.n++
	w.rows++
	if w.n == w.chunkRows {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if w.n == 0 {
		return nil
	}
	// padding rows keep the fill value
	for i := w.n * len(w.columns); i < len(w.buf); i++ {
		w.buf[i] = 0
	}

	empty := true
	for i, v := range w.buf {
		if v != 0 || math.Signbit(v) {
			empty = false
		}
		binary.LittleEndian.PutUint64(w.raw[i*float64Sz:], math.Float64bits(v))
	}

	idx := []int{w.chunk, 0}
	w.chunk++
	w.n = 0
	if empty {
		return nil
	}

	p := chunkPath(w.path, w.meta, idx)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if err := os.WriteFile(p, w.enc.EncodeAll(w.raw, nil), 0644); err != nil {
		return fmt.Errorf("failed to write chunk %v: %w", idx, err)
	}
	return nil
}

// Close flushes the last partial chunk and writes the array metadata.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.enc.Close()

	if err := w.flush(); err != nil {
		return err
	}
	w.meta.Shape[0] = w.rows
	data, err := json.MarshalIndent(w.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode zarr.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.path, metaFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write zarr.json: %w", err)
	}
	return nil
}
