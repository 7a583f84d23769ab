package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a read-only mat.Matrix view of an array that decodes chunks on
// demand and keeps the most recently used ones in memory.
//
// The mat.Matrix methods cannot return errors. A failed chunk read yields
// fill values and is reported by Err.
type Matrix struct {
	path      string
	meta      *ArrayMeta
	rows      int
	cols      int
	chunkRows int
	fill      float64

	decoder *zstd.Decoder
	chunks  *lru.Cache[int, []float64]

	mu  sync.Mutex
	err error
}

var (
	_ mat.Matrix       = (*Matrix)(nil)
	_ mat.RawRowViewer = (*Matrix)(nil)
)

// Open opens the array at path. cacheChunks bounds the decoded chunks held
// in memory and defaults to 4.
func Open(path string, cacheChunks int) (*Matrix, error) {
	meta, err := loadMeta(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	fill, err := fillValue(meta)
	if err != nil {
		return nil, err
	}
	if cacheChunks <= 0 {
		cacheChunks = 4
	}
	cache, err := lru.New[int, []float64](cacheChunks)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Matrix{
		path:      path,
		meta:      meta,
		rows:      meta.Shape[0],
		cols:      meta.Shape[1],
		chunkRows: meta.ChunkGrid.Configuration.ChunkShape[0],
		fill:      fill,
		decoder:   decoder,
		chunks:    cache,
	}, nil
}

// Dims returns the matrix shape.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// At returns element (i, j).
func (m *Matrix) At(i, j int) float64 {
	if j < 0 || j >= m.cols {
		panic(mat.ErrColAccess)
	}
	return m.RawRowView(i)[j]
}

// T returns the implicit transpose.
func (m *Matrix) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// RawRowView returns row i. The slice aliases the cached chunk and must not
// be modified.
func (m *Matrix) RawRowView(i int) []float64 {
	if i < 0 || i >= m.rows {
		panic(mat.ErrRowAccess)
	}
	c := i / m.chunkRows
	data := m.chunk(c)
	off := (i - c*m.chunkRows) * m.cols
	return data[off : off+m.cols]
}

// Columns returns the column names stored with the array.
func (m *Matrix) Columns() []string {
	if m.meta.Attributes == nil {
		return nil
	}
	return append([]string(nil), m.meta.Attributes.Columns...)
}

// Err returns the first chunk read error.
func (m *Matrix) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close releases the decoder.
func (m *Matrix) Close() {
	m.decoder.Close()
}

func (m *Matrix) chunk(c int) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data, ok := m.chunks.Get(c); ok {
		return data
	}
	data, err := m.readChunkAt([]int{c, 0})
	if err != nil {
		if m.err == nil {
			m.err = fmt.Errorf("chunk %d of %s: %w", c, m.path, err)
		}
		return repeatFill(m.fill, m.chunkRows*m.cols)
	}
	m.chunks.Add(c, data)
	return data
}

func (m *Matrix) readChunk(chunkIndices []int) ([]float64, error) {
	return m.readChunkFile(chunkPath(m.path, m.meta, chunkIndices))
}

func (m *Matrix) readChunkFile(p string) ([]float64, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if m.meta.compressed() {
		raw, err = m.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
	}
	want := product(m.meta.ChunkGrid.Configuration.ChunkShape)
	if len(raw) != want*float64Sz {
		return nil, fmt.Errorf("chunk has %d bytes, expected %d", len(raw), want*float64Sz)
	}
	out := make([]float64, want)
	for k := range out {
		out[k] = math.Float64frombits(binary.LittleEndian.Uint64(raw[k*float64Sz:]))
	}
	return out, nil
}

func (m *Matrix) readChunkAt(chunkIndices []int) ([]float64, error) {
	data, err := m.readChunk(chunkIndices)
	if err == nil {
		return data, nil
	}

	// some writers drop the trailing column chunk index (c/<row> rather
	// than c/<row>/0)
	alt := chunkPath(m.path, m.meta, chunkIndices[:1])
	altData, altErr := m.readChunkFile(alt)
	if altErr == nil {
		return altData, nil
	}

	// absent chunks hold only the fill value
	if os.IsNotExist(err) && os.IsNotExist(altErr) {
		if _, shapeErr := chunkShapeAt(m.meta, chunkIndices); shapeErr != nil {
			return nil, shapeErr
		}
		return repeatFill(m.fill, m.chunkRows*m.cols), nil
	}
	return nil, err
}

// NumChunks returns the number of row chunks.
func (m *Matrix) NumChunks() int {
	if m.rows == 0 {
		return 0
	}
	return ceilDiv(m.rows, m.chunkRows)
}
