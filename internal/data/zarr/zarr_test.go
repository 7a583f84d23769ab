package zarr

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func writeRows(t *testing.T, path string, cols []string, chunkRows int, rows [][]float64) {
	t.Helper()
	w, err := Create(path, cols, chunkRows)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.AppendRow(r))
	}
	require.NoError(t, w.Close())
}

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histograms.zarr")
	rows := [][]float64{
		{0.5, 0.5, 0},
		{0.25, 0.25, 0.5},
		{0, 0, 0},
		{0, 0, 0},
		{1, 0, 0},
	}
	writeRows(t, path, []string{"CD3", "CD8", "CK"}, 2, rows)

	// the second chunk holds only zeros and is not written
	_, err := os.Stat(filepath.Join(path, "c", "1", "0"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(path, "c", "0", "0"))
	assert.FileExists(t, filepath.Join(path, "c", "2", "0"))

	m, err := Open(path, 2)
	require.NoError(t, err)
	defer m.Close()

	r, c := m.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 3, m.NumChunks())
	assert.Equal(t, []string{"CD3", "CD8", "CK"}, m.Columns())
	for i, want := range rows {
		assert.Equal(t, want, m.RawRowView(i), "row %d", i)
	}
	assert.Equal(t, 0.5, m.At(1, 2))
	assert.Equal(t, 0.5, m.T().At(2, 1))
	// the skipped chunk reads back as the fill value
	assert.Equal(t, []float64{0, 0, 0}, m.RawRowView(2))
	assert.Equal(t, 0.0, m.At(3, 1))
	assert.NoError(t, m.Err())

	assert.True(t, mat.Equal(mat.NewDense(5, 3, flatten(rows)), m))
}

func flatten(rows [][]float64) []float64 {
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func TestMetadataDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zarr")
	writeRows(t, path, []string{"x"}, 4, [][]float64{{1}, {2}})

	data, err := os.ReadFile(filepath.Join(path, "zarr.json"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, float64(3), doc["zarr_format"])
	assert.Equal(t, "float64", doc["data_type"])
	assert.Equal(t, []interface{}{float64(2), float64(1)}, doc["shape"])
}

func TestDroppedTrailingChunkIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zarr")
	writeRows(t, path, []string{"x", "y"}, 2, [][]float64{{1, 2}, {3, 4}})

	require.NoError(t, os.Rename(filepath.Join(path, "c", "0", "0"), filepath.Join(path, "c", "0.tmp")))
	require.NoError(t, os.Remove(filepath.Join(path, "c", "0")))
	require.NoError(t, os.Rename(filepath.Join(path, "c", "0.tmp"), filepath.Join(path, "c", "0")))

	m, err := Open(path, 1)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, []float64{3, 4}, m.RawRowView(1))
	assert.NoError(t, m.Err())
}

func TestCorruptChunkReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zarr")
	writeRows(t, path, []string{"x"}, 2, [][]float64{{1}, {2}, {3}})
	require.NoError(t, os.WriteFile(filepath.Join(path, "c", "1", "0"), []byte("garbage"), 0644))

	m, err := Open(path, 1)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, []float64{1}, m.RawRowView(0))
	assert.NoError(t, m.Err())
	assert.Equal(t, []float64{0}, m.RawRowView(2))
	assert.Error(t, m.Err())
}

func TestFillValue(t *testing.T) {
	v, err := fillValue(&ArrayMeta{FillValue: "NaN"})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))

	v, err = fillValue(&ArrayMeta{})
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = fillValue(&ArrayMeta{FillValue: true})
	assert.Error(t, err)
}

func TestWriterValidation(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(filepath.Join(dir, "a"), nil, 2)
	assert.Error(t, err)
	_, err = Create(filepath.Join(dir, "b"), []string{"x"}, 0)
	assert.Error(t, err)

	w, err := Create(filepath.Join(dir, "c"), []string{"x"}, 2)
	require.NoError(t, err)
	assert.Error(t, w.AppendRow([]float64{1, 2}))
	require.NoError(t, w.Close())
	assert.Error(t, w.AppendRow([]float64{1}))
}

func TestOpenRejectsWrongType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zarr")
	writeRows(t, path, []string{"x"}, 2, [][]float64{{1}})

	meta, err := loadMeta(path)
	require.NoError(t, err)
	meta.DataType = "float32"
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "zarr.json"), data, 0644))

	_, err = Open(path, 1)
	assert.Error(t, err)
}
