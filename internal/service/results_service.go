// Package service provides the read side of published niche runs.
package service

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasmap-sc/cellniche/internal/cache"
	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/pipeline"
	"github.com/atlasmap-sc/cellniche/internal/registry"
	"github.com/atlasmap-sc/cellniche/internal/render"
)

// ResultsServiceConfig contains results service configuration.
type ResultsServiceConfig struct {
	Store    *registry.Store
	Cache    *cache.Manager
	Renderer *render.Renderer
	// Points maps the input point table columns used to rebuild overlays.
	Points parquetio.PointColumns
	Logger *zap.Logger
}

// ResultsService resolves runs and serves their tables and images.
type ResultsService struct {
	store    *registry.Store
	cache    *cache.Manager
	renderer *render.Renderer
	points   parquetio.PointColumns
	logger   *zap.Logger
}

// NewResultsService creates a results service.
func NewResultsService(cfg ResultsServiceConfig) *ResultsService {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsService{
		store:    cfg.Store,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		points:   cfg.Points,
		logger:   logger.With(zap.String("component", "results")),
	}
}

// PrototypeRow is one niche centroid.
type PrototypeRow struct {
	NicheID int       `json:"niche_id"`
	Values  []float64 `json:"values"`
}

// PrototypeTable is the prototype table of one cohort.
type PrototypeTable struct {
	RunID   string         `json:"run_id"`
	Cohort  string         `json:"cohort"`
	Columns []string       `json:"columns"`
	Rows    []PrototypeRow `json:"rows"`
}

// LoadingRow is the niche composition of one slide.
type LoadingRow struct {
	SlideID   string    `json:"slide_id"`
	Counts    []int64   `json:"counts"`
	Total     int64     `json:"total"`
	Fractions []float64 `json:"fractions"`
}

// LoadingTable is the loading table of one cohort.
type LoadingTable struct {
	RunID  string       `json:"run_id"`
	Cohort string       `json:"cohort"`
	K      int          `json:"k"`
	Rows   []LoadingRow `json:"rows"`
}

// Run resolves a run id, with "latest" meaning the newest completed run.
func (s *ResultsService) Run(runID string) (*registry.Run, error) {
	if runID == "" || runID == "latest" {
		return s.store.LatestRun()
	}
	return s.store.GetRun(runID)
}

// Runs lists runs, newest first.
func (s *ResultsService) Runs(limit int) ([]*registry.Run, error) {
	return s.store.ListRuns(limit)
}

// Artifacts lists the artifacts of a run.
func (s *ResultsService) Artifacts(runID string) ([]*registry.Artifact, error) {
	run, err := s.Run(runID)
	if err != nil {
		return nil, err
	}
	return s.store.Artifacts(run.ID)
}

// Prototypes returns the prototype table of a cohort as JSON.
func (s *ResultsService) Prototypes(ctx context.Context, runID, cohort string) ([]byte, error) {
	run, err := s.Run(runID)
	if err != nil {
		return nil, err
	}
	key := cache.QueryKey("prototypes", run.ID, cohort)
	if data, ok := s.cache.GetQuery(key); ok {
		return data, nil
	}
	table, err := s.prototypeTable(ctx, run, cohort)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(table)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeInternal, "encode prototypes")
	}
	s.cache.SetQuery(key, data)
	return data, nil
}

func (s *ResultsService) prototypeTable(ctx context.Context, run *registry.Run, cohort string) (*PrototypeTable, error) {
	a, err := s.store.FindArtifact(run.ID, registry.KindPrototypes, cohort, "")
	if err != nil {
		return nil, err
	}
	f, err := parquetio.ReadFrame(ctx, a.Path)
	if err != nil {
		return nil, err
	}
	ids, _, err := f.FloatValues(pipeline.NicheColumn)
	if err != nil {
		return nil, err
	}
	var columns []string
	for _, name := range f.Names() {
		if name != pipeline.NicheColumn {
			columns = append(columns, name)
		}
	}
	t := &PrototypeTable{RunID: run.ID, Cohort: cohort, Columns: columns, Rows: make([]PrototypeRow, len(ids))}
	for i, id := range ids {
		t.Rows[i] = PrototypeRow{NicheID: int(id), Values: make([]float64, len(columns))}
	}
	for c, name := range columns {
		vals, _, err := f.FloatValues(name)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			t.Rows[i].Values[c] = v
		}
	}
	return t, nil
}

// Loading returns the loading table of a cohort as JSON.
func (s *ResultsService) Loading(ctx context.Context, runID, cohort string) ([]byte, error) {
	run, err := s.Run(runID)
	if err != nil {
		return nil, err
	}
	key := cache.QueryKey("loading", run.ID, cohort)
	if data, ok := s.cache.GetQuery(key); ok {
		return data, nil
	}
	a, err := s.store.FindArtifact(run.ID, registry.KindLoading, cohort, "")
	if err != nil {
		return nil, err
	}
	f, err := parquetio.ReadFrame(ctx, a.Path)
	if err != nil {
		return nil, err
	}
	slides, err := f.StringValues(pipeline.SlideColumn)
	if err != nil {
		return nil, err
	}
	var counts [][]float64
	for _, name := range f.Names() {
		if !strings.HasPrefix(name, "niche_") || !strings.HasSuffix(name, "_count") {
			continue
		}
		vals, _, err := f.FloatValues(name)
		if err != nil {
			return nil, err
		}
		counts = append(counts, vals)
	}

	t := &LoadingTable{RunID: run.ID, Cohort: cohort, K: len(counts), Rows: make([]LoadingRow, len(slides))}
	for i, id := range slides {
		row := LoadingRow{SlideID: id, Counts: make([]int64, len(counts)), Fractions: make([]float64, len(counts))}
		for j := range counts {
			row.Counts[j] = int64(counts[j][i])
			row.Total += row.Counts[j]
		}
		if row.Total > 0 {
			for j := range counts {
				row.Fractions[j] = float64(row.Counts[j]) / float64(row.Total)
			}
		}
		t.Rows[i] = row
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeInternal, "encode loading")
	}
	s.cache.SetQuery(key, data)
	return data, nil
}

// PrototypeHeatmap renders the prototypes of a cohort as a PNG heatmap.
func (s *ResultsService) PrototypeHeatmap(ctx context.Context, runID, cohort, cmap string) ([]byte, error) {
	run, err := s.Run(runID)
	if err != nil {
		return nil, err
	}
	key := cache.HeatmapKey(run.ID, cohort, cmap)
	if data, ok := s.cache.GetImage(key); ok {
		return data, nil
	}
	t, err := s.prototypeTable(ctx, run, cohort)
	if err != nil {
		return nil, err
	}
	if len(t.Rows) == 0 || len(t.Columns) == 0 {
		return nil, nicheerr.New(nicheerr.TypeNotFound, "cohort has no prototypes").WithDetail("cohort", cohort)
	}
	centers := mat.NewDense(len(t.Rows), len(t.Columns), nil)
	for i, row := range t.Rows {
		centers.SetRow(i, row.Values)
	}
	data, err := s.renderer.RenderPrototypesWith(centers, cmap)
	if err != nil {
		return nil, err
	}
	s.setImage(key, data)
	return data, nil
}

// Overlay returns the niche overlay of a slide. niches restricts the drawn
// niches when non-nil; pointSize overrides the dot radius when positive.
// Unfiltered requests at the default size reuse the published image.
func (s *ResultsService) Overlay(ctx context.Context, runID, slideID string, niches []int, pointSize float64) ([]byte, error) {
	run, err := s.Run(runID)
	if err != nil {
		return nil, err
	}
	key := cache.OverlayKey(run.ID, slideID, niches, pointSize)
	if data, ok := s.cache.GetImage(key); ok {
		return data, nil
	}

	if niches == nil && pointSize <= 0 {
		if a, err := s.store.FindArtifact(run.ID, registry.KindOverlay, "", slideID); err == nil {
			if data, err := os.ReadFile(a.Path); err == nil {
				s.setImage(key, data)
				return data, nil
			}
			s.logger.Warn("published overlay unreadable, re-rendering", zap.String("path", a.Path))
		}
	}

	o, err := pipeline.LoadOverlay(ctx, run, s.points, slideID)
	if err != nil {
		return nil, err
	}
	if niches != nil {
		for i, id := range o.NicheIDs {
			if !slices.Contains(niches, id) {
				o.NicheIDs[i] = -1
			}
		}
	}
	o.PointSize = pointSize
	data, err := s.renderer.RenderOverlay(o)
	if err != nil {
		return nil, err
	}
	s.setImage(key, data)
	return data, nil
}

// CacheStats reports cache occupancy.
func (s *ResultsService) CacheStats() map[string]interface{} {
	return s.cache.Stats()
}

func (s *ResultsService) setImage(key string, data []byte) {
	if err := s.cache.SetImage(key, data); err != nil {
		// entries above the shard limit are served uncached
		s.logger.Debug("image not cached", zap.String("key", key), zap.Int("bytes", len(data)), zap.Error(err))
	}
}
