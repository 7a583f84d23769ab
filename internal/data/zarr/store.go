// Package zarr stores two-dimensional float64 matrices as Zarr v3 arrays.
//
// Arrays are chunked along rows only. Each chunk holds chunkRows complete
// rows, encoded little-endian and zstd-compressed under c/<row>/0. Chunks
// that would only contain the fill value are not written.
package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	metaFile  = "zarr.json"
	dtypeF64  = "float64"
	chunkDir  = "c"
	float64Sz = 8
)

// ArrayMeta is the zarr.json document of a Zarr v3 array.
type ArrayMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Shape      []int  `json:"shape"`
	DataType   string `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{}      `json:"fill_value"`
	Codecs     []Codec          `json:"codecs"`
	Attributes *ArrayAttributes `json:"attributes,omitempty"`
}

// Codec is one entry of the codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// ArrayAttributes carries the column names of a histogram matrix.
type ArrayAttributes struct {
	Columns []string `json:"columns"`
}

func newMeta(rows, cols, chunkRows int, columns []string) *ArrayMeta {
	m := &ArrayMeta{
		ZarrFormat: 3,
		NodeType:   "array",
		Shape:      []int{rows, cols},
		DataType:   dtypeF64,
		FillValue:  0.0,
		Codecs: []Codec{
			{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}},
			{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}},
		},
		Attributes: &ArrayAttributes{Columns: columns},
	}
	m.ChunkGrid.Name = "regular"
	m.ChunkGrid.Configuration.ChunkShape = []int{chunkRows, cols}
	m.ChunkKeyEncoding.Name = "default"
	m.ChunkKeyEncoding.Configuration.Separator = "/"
	return m
}

func loadMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, metaFile))
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *ArrayMeta) validate() error {
	if m.ZarrFormat != 3 || m.NodeType != "array" {
		return fmt.Errorf("not a zarr v3 array (format %d, node %q)", m.ZarrFormat, m.NodeType)
	}
	if m.DataType != dtypeF64 {
		return fmt.Errorf("unsupported zarr data_type: %s", m.DataType)
	}
	if len(m.Shape) != 2 || len(m.ChunkGrid.Configuration.ChunkShape) != 2 {
		return fmt.Errorf("expected a 2-d array, got shape %v chunk %v", m.Shape, m.ChunkGrid.Configuration.ChunkShape)
	}
	if m.ChunkGrid.Configuration.ChunkShape[1] != m.Shape[1] {
		return fmt.Errorf("arrays must be chunked by rows only, got chunk %v for shape %v", m.ChunkGrid.Configuration.ChunkShape, m.Shape)
	}
	if m.ChunkGrid.Configuration.ChunkShape[0] <= 0 {
		return fmt.Errorf("invalid chunk rows: %d", m.ChunkGrid.Configuration.ChunkShape[0])
	}
	for _, c := range m.Codecs {
		switch c.Name {
		case "bytes":
			if e, ok := c.Configuration["endian"]; ok && e != "little" {
				return fmt.Errorf("unsupported endian: %v", e)
			}
		case "zstd":
		default:
			return fmt.Errorf("unsupported codec: %s", c.Name)
		}
	}
	return nil
}

func (m *ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func chunkPath(arrayPath string, meta *ArrayMeta, chunkIndices []int) string {
	return filepath.Join(arrayPath, chunkDir, filepath.FromSlash(encodeChunkKey(meta, chunkIndices)))
}

// chunkShapeAt returns the in-bounds extent of a chunk. Stored chunks are
// always full size; rows past the array edge are padding.
func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}
	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		if remaining := meta.Shape[d] - start; remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}
	return actual, nil
}

func fillValue(meta *ArrayMeta) (float64, error) {
	switch t := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		switch t {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value for float64: %v", meta.FillValue)
}

func repeatFill(fill float64, n int) []float64 {
	out := make([]float64, n)
	if fill == 0 && !math.Signbit(fill) {
		return out
	}
	for i := range out {
		out[i] = fill
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
