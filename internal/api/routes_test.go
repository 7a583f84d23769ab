package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atlasmap-sc/cellniche/internal/cache"
	"github.com/atlasmap-sc/cellniche/internal/config"
	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/pipeline"
	"github.com/atlasmap-sc/cellniche/internal/registry"
	"github.com/atlasmap-sc/cellniche/internal/render"
	"github.com/atlasmap-sc/cellniche/internal/service"
)

type testServer struct {
	router   http.Handler
	store    *registry.Store
	pipeline *pipeline.Pipeline
	runs     *RunManager
	run      *registry.Run
}

func writeFrame(t *testing.T, path string, cols ...parquetio.Column) {
	t.Helper()
	f, err := parquetio.NewFrame(cols...)
	require.NoError(t, err)
	require.NoError(t, parquetio.WriteFile(path, f))
}

// setupTestServer publishes one run and serves it.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "points.parquet"),
		parquetio.StringColumn("slide_id", []string{"s1", "s1", "s 2", "s 2"}),
		parquetio.StringColumn("cell_id", []string{"a", "b", "c", "d"}),
		parquetio.FloatColumn("x", []float64{0, 0.01, 3, 4}),
		parquetio.FloatColumn("y", []float64{0, 0, 3, 4}),
	)
	writeFrame(t, filepath.Join(dir, "marks.parquet"),
		parquetio.StringColumn("slide_id", []string{"s1", "s1", "s 2", "s 2"}),
		parquetio.StringColumn("cell_id", []string{"a", "b", "c", "d"}),
		parquetio.IntColumn("CD3", []int64{1, 1, 0, 0}),
		parquetio.IntColumn("CK", []int64{0, 0, 1, 1}),
	)

	cfg := config.DefaultConfig()
	cfg.Data.PointsPath = filepath.Join(dir, "points.parquet")
	cfg.Data.MarksPath = filepath.Join(dir, "marks.parquet")
	cfg.Data.OutputDir = filepath.Join(dir, "out")
	cfg.Niche.NClusters = 2
	cfg.Niche.BatchSize = 4
	cfg.Render.Width, cfg.Render.Height = 160, 120

	store, err := registry.Open(filepath.Join(dir, "registry.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zaptest.NewLogger(t)
	p, err := pipeline.New(cfg, logger, store)
	require.NoError(t, err)
	run, err := p.Run(context.Background())
	require.NoError(t, err)

	cm, err := cache.NewManager(cache.Config{ImageCacheSizeMB: 4, ImageTTL: time.Minute, QueryCacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	results := service.NewResultsService(service.ResultsServiceConfig{
		Store:    store,
		Cache:    cm,
		Renderer: render.NewRenderer(render.Config{Width: 160, Height: 120}),
		Points:   pipeline.PointColumns(cfg.Data),
		Logger:   logger,
	})
	rm := NewRunManager(RunManagerConfig{MaxConcurrent: 1}, p, store, logger)
	rm.Start()
	t.Cleanup(rm.Stop)

	return &testServer{
		router: NewRouter(RouterConfig{
			Results:     results,
			Runs:        rm,
			CORSOrigins: []string{"http://localhost:3000"},
			Logger:      logger,
		}),
		store:    store,
		pipeline: p,
		runs:     rm,
		run:      run,
	}
}

func (ts *testServer) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestRunsEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs  []registry.Run `json:"runs"`
		Total int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, ts.run.ID, list.Runs[0].ID)

	rec = ts.do(t, http.MethodGet, "/api/runs/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var run registry.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, registry.StatusCompleted, run.Status)

	rec = ts.do(t, http.MethodGet, "/api/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/runs/"+ts.run.ID+"/artifacts?kind=assignment")
	require.Equal(t, http.StatusOK, rec.Code)
	var arts struct {
		Artifacts []registry.Artifact `json:"artifacts"`
		Total     int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &arts))
	assert.Equal(t, 2, arts.Total)
	for _, a := range arts.Artifacts {
		assert.Equal(t, registry.KindAssignment, a.Kind)
	}
}

func TestCohortEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/runs/latest/cohorts/all/prototypes")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var protos service.PrototypeTable
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &protos))
	assert.Equal(t, []string{"CD3", "CK"}, protos.Columns)
	assert.Len(t, protos.Rows, 2)

	rec = ts.do(t, http.MethodGet, "/api/runs/latest/cohorts/all/loading")
	require.Equal(t, http.StatusOK, rec.Code)
	var loading service.LoadingTable
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loading))
	assert.Len(t, loading.Rows, 2)

	rec = ts.do(t, http.MethodGet, "/api/runs/latest/cohorts/all/prototypes.png?colormap=magma")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = ts.do(t, http.MethodGet, "/api/runs/latest/cohorts/LUAD/loading")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOverlayEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/runs/latest/slides/"+url.PathEscape("s 2")+"/overlay.png?niches=0,1&point_size=3")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))

	rec = ts.do(t, http.MethodGet, "/api/runs/latest/slides/s1/overlay.png?niches=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/runs/latest/slides/s9/overlay.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodGet, "/health")
	rec := ts.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "cellniche_http_requests_total")
	assert.Contains(t, body, "cellniche_cells_aggregated_total")
}

func TestSubmitRun(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/runs")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)

	require.Eventually(t, func() bool {
		run, err := ts.store.GetRun(resp.RunID)
		return err == nil && run.Status == registry.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	rec = ts.do(t, http.MethodDelete, "/api/runs/"+resp.RunID)
	assert.Equal(t, http.StatusNotFound, rec.Code, "finished runs cannot be cancelled")
}

func TestParseNicheFilter(t *testing.T) {
	tests := []struct {
		query string
		want  []int
		err   bool
	}{
		{"", nil, false},
		{"niches=", []int{}, false},
		{"niches=2,0", []int{2, 0}, false},
		{"niches=1&niches=3", []int{1, 3}, false},
		{"niches=[4,5]", []int{4, 5}, false},
		{"niches=-1", nil, true},
		{"niches=[x]", nil, true},
	}
	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		require.NoError(t, err)
		got, err := parseNicheFilter(q)
		if tt.err {
			assert.Error(t, err, tt.query)
			continue
		}
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, got, tt.query)
	}
}

func TestParsePointSize(t *testing.T) {
	assert.Equal(t, 0.0, parsePointSize(url.Values{}))
	assert.Equal(t, 0.0, parsePointSize(url.Values{"point_size": {"NaN"}}))
	assert.Equal(t, 0.5, parsePointSize(url.Values{"point_size": {"0.1"}}))
	assert.Equal(t, 10.0, parsePointSize(url.Values{"point_size": {"99"}}))
	assert.Equal(t, 2.5, parsePointSize(url.Values{"point_size": {"2.5"}}))
}
