package service

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasmap-sc/cellniche/internal/cache"
	"github.com/atlasmap-sc/cellniche/internal/config"
	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/pipeline"
	"github.com/atlasmap-sc/cellniche/internal/registry"
	"github.com/atlasmap-sc/cellniche/internal/render"
)

func mustWrite(t *testing.T, path string, cols ...parquetio.Column) {
	t.Helper()
	f, err := parquetio.NewFrame(cols...)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := parquetio.WriteFile(path, f); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// newTestService publishes one clustered run with two niches.
func newTestService(t *testing.T) (*ResultsService, *registry.Run) {
	t.Helper()
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "points.parquet"),
		parquetio.StringColumn("slide_id", []string{"s1", "s1", "s2", "s2"}),
		parquetio.StringColumn("cell_id", []string{"a", "b", "c", "d"}),
		parquetio.FloatColumn("x", []float64{0, 0.01, 3, 4}),
		parquetio.FloatColumn("y", []float64{0, 0, 3, 4}),
	)
	mustWrite(t, filepath.Join(dir, "marks.parquet"),
		parquetio.StringColumn("slide_id", []string{"s1", "s1", "s2", "s2"}),
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
	cfg.Pipeline.Overlays = true
	cfg.Render.Width, cfg.Render.Height = 160, 120

	store, err := registry.Open(filepath.Join(dir, "registry.sqlite"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p, err := pipeline.New(cfg, nil, store)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	run, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	cm, err := cache.NewManager(cache.Config{ImageCacheSizeMB: 4, ImageTTL: time.Minute, QueryCacheSize: 16})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	svc := NewResultsService(ResultsServiceConfig{
		Store:    store,
		Cache:    cm,
		Renderer: render.NewRenderer(render.Config{Width: 160, Height: 120}),
		Points:   pipeline.PointColumns(cfg.Data),
	})
	return svc, run
}

func TestPrototypesJSON(t *testing.T) {
	svc, run := newTestService(t)
	data, err := svc.Prototypes(context.Background(), "latest", "all")
	if err != nil {
		t.Fatalf("prototypes: %v", err)
	}
	var table PrototypeTable
	if err := json.Unmarshal(data, &table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table.RunID != run.ID {
		t.Errorf("run id = %q, want %q", table.RunID, run.ID)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(table.Rows))
	}
	if got := table.Columns; len(got) != 2 || got[0] != "CD3" || got[1] != "CK" {
		t.Errorf("columns = %v", got)
	}
	for i, row := range table.Rows {
		if row.NicheID != i {
			t.Errorf("row %d has niche %d", i, row.NicheID)
		}
	}

	again, err := svc.Prototypes(context.Background(), run.ID, "all")
	if err != nil {
		t.Fatalf("cached prototypes: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Errorf("cached response differs")
	}
}

func TestLoadingJSON(t *testing.T) {
	svc, _ := newTestService(t)
	data, err := svc.Loading(context.Background(), "latest", "all")
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	var table LoadingTable
	if err := json.Unmarshal(data, &table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table.K != 2 || len(table.Rows) != 2 {
		t.Fatalf("k=%d rows=%d", table.K, len(table.Rows))
	}
	for _, row := range table.Rows {
		if row.Total != 2 {
			t.Errorf("slide %s total = %d, want 2", row.SlideID, row.Total)
		}
		sum := 0.0
		for _, f := range row.Fractions {
			sum += f
		}
		if sum < 0.999 || sum > 1.001 {
			t.Errorf("slide %s fractions sum to %v", row.SlideID, sum)
		}
	}
}

func TestUnknownCohort(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Loading(context.Background(), "latest", "LUAD")
	if !nicheerr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	_, err = svc.Prototypes(context.Background(), "missing-run", "all")
	if !nicheerr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestOverlayImages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	published, err := svc.Overlay(ctx, "latest", "s1", nil, 0)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	filtered, err := svc.Overlay(ctx, "latest", "s1", []int{}, 0)
	if err != nil {
		t.Fatalf("filtered overlay: %v", err)
	}
	if bytes.Equal(published, filtered) {
		t.Errorf("filtering all niches should change the image")
	}
	for _, data := range [][]byte{published, filtered} {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 120 {
			t.Errorf("size = %v", b)
		}
	}

	if _, err := svc.Overlay(ctx, "latest", "s9", nil, 2); !nicheerr.IsNotFound(err) {
		t.Errorf("expected not found for unknown slide, got %v", err)
	}
}

func TestPrototypeHeatmap(t *testing.T) {
	svc, _ := newTestService(t)
	data, err := svc.PrototypeHeatmap(context.Background(), "latest", "all", "magma")
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n := svc.CacheStats()["image_cache_len"]; n != 1 {
		t.Errorf("image cache len = %v, want 1", n)
	}
}
