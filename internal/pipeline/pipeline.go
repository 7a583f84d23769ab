// Package pipeline runs the niche stages end to end and publishes their
// artifacts under a run directory tracked by the registry.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/config"
	"github.com/atlasmap-sc/cellniche/internal/metrics"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/registry"
	"github.com/atlasmap-sc/cellniche/internal/render"
)

// Stage names.
const (
	StageAggregate = "aggregate"
	StageCluster   = "cluster"
	StageOverlay   = "overlay"
)

// Pipeline executes stages with one configuration.
type Pipeline struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *registry.Store
	renderer *render.Renderer
}

// New creates a pipeline. The store records every run and its artifacts.
func New(cfg *config.Config, logger *zap.Logger, store *registry.Store) (*Pipeline, error) {
	if cfg == nil {
		return nil, nicheerr.New(nicheerr.TypeConfig, "nil config")
	}
	if store == nil {
		return nil, nicheerr.New(nicheerr.TypeConfig, "nil run registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pipeline")),
		store:  store,
		renderer: render.NewRenderer(render.Config{
			Width:     cfg.Render.Width,
			Height:    cfg.Render.Height,
			PointSize: cfg.Render.PointSize,
			Heatmap:   cfg.Render.Heatmap,
		}),
	}, nil
}

// Run aggregates, clusters and, when enabled, renders overlays in a new run.
func (p *Pipeline) Run(ctx context.Context) (*registry.Run, error) {
	run, err := p.Begin()
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, run)
}

// Begin registers a new run of the full stage list without executing it.
func (p *Pipeline) Begin() (*registry.Run, error) {
	stages := []string{StageAggregate, StageCluster}
	if p.cfg.Pipeline.Overlays {
		stages = append(stages, StageOverlay)
	}
	return p.begin(stages)
}

// Execute runs the full stage list into a run created by Begin.
func (p *Pipeline) Execute(ctx context.Context, run *registry.Run) (*registry.Run, error) {
	var agg *aggregated
	err := p.timed(StageAggregate, func() (err error) {
		agg, err = p.aggregate(ctx, run)
		return err
	})
	if err != nil {
		return p.finish(run, err)
	}

	var out *clustered
	err = p.timed(StageCluster, func() (err error) {
		out, err = p.cluster(ctx, run, agg.results)
		return err
	})
	if err != nil || !p.cfg.Pipeline.Overlays {
		return p.finish(run, err)
	}

	err = p.timed(StageOverlay, func() error {
		return p.renderOverlays(ctx, run, overlaysFromSlides(agg.slides, out.assignments, p.cfg.Niche.NClusters))
	})
	return p.finish(run, err)
}

// Aggregate computes neighbourhood vectors in a new run.
func (p *Pipeline) Aggregate(ctx context.Context) (*registry.Run, error) {
	run, err := p.begin([]string{StageAggregate})
	if err != nil {
		return nil, err
	}
	err = p.timed(StageAggregate, func() error {
		_, err := p.aggregate(ctx, run)
		return err
	})
	return p.finish(run, err)
}

// Cluster clusters the neighbourhood artifact of an existing run and writes
// its outputs into that run. runID may be "latest".
func (p *Pipeline) Cluster(ctx context.Context, runID string) (*registry.Run, error) {
	run, err := p.Resolve(runID)
	if err != nil {
		return nil, err
	}
	a, err := p.store.FindArtifact(run.ID, registry.KindNeighbourhoods, "", "")
	if err != nil {
		return nil, err
	}
	err = p.timed(StageCluster, func() error {
		results, err := p.loadNeighbourhoods(ctx, a.Path)
		if err != nil {
			return err
		}
		_, err = p.cluster(ctx, run, results)
		return err
	})
	return p.finish(run, err)
}

// Overlay renders overlays for a clustered run. runID may be "latest".
func (p *Pipeline) Overlay(ctx context.Context, runID string) (*registry.Run, error) {
	run, err := p.Resolve(runID)
	if err != nil {
		return nil, err
	}
	err = p.timed(StageOverlay, func() error {
		overlays, err := LoadOverlays(ctx, run, p.pointColumns(), nil)
		if err != nil {
			return err
		}
		return p.renderOverlays(ctx, run, overlays)
	})
	return p.finish(run, err)
}

// Resolve looks up a run, with "latest" meaning the newest completed run.
func (p *Pipeline) Resolve(runID string) (*registry.Run, error) {
	if runID == "" || runID == "latest" {
		return p.store.LatestRun()
	}
	return p.store.GetRun(runID)
}

func (p *Pipeline) begin(stages []string) (*registry.Run, error) {
	n := p.cfg.Niche
	run, err := p.store.CreateRun(registry.RunParams{
		Stages:           stages,
		PointsPath:       p.cfg.Data.PointsPath,
		MarksPath:        p.cfg.Data.MarksPath,
		Radius:           n.Radius,
		NClusters:        n.NClusters,
		BatchSize:        n.BatchSize,
		MaxNoImprovement: n.MaxNoImprovement,
		RandomSeed:       n.RandomSeed,
		Cohorts:          p.cfg.Cohorts.Include,
	}, p.cfg.Data.OutputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(run.OutputDir, 0o755); err != nil {
		var runErr error = nicheerr.Wrap(err, nicheerr.TypeIO, "create run directory").WithDetail("path", run.OutputDir)
		if ferr := p.store.FailRun(run.ID, runErr.Error()); ferr != nil {
			runErr = errors.Join(runErr, ferr)
		}
		return nil, runErr
	}
	p.logger.Info("run started", zap.String("run_id", run.ID), zap.Strings("stages", stages), zap.String("output_dir", run.OutputDir))
	return run, nil
}

// finish records the outcome of a run and returns its final state.
func (p *Pipeline) finish(run *registry.Run, err error) (*registry.Run, error) {
	if err != nil {
		p.logger.Error("run failed", zap.String("run_id", run.ID), zap.Error(err))
		if ferr := p.store.FailRun(run.ID, err.Error()); ferr != nil {
			err = errors.Join(err, ferr)
		}
	} else {
		if cerr := p.store.CompleteRun(run.ID); cerr != nil {
			return run, cerr
		}
		p.logger.Info("run completed", zap.String("run_id", run.ID))
	}
	if path := p.cfg.Metrics.Textfile; path != "" {
		if merr := metrics.WriteTextfile(path); merr != nil {
			p.logger.Warn("write metrics textfile", zap.String("path", path), zap.Error(merr))
		}
	}
	if got, gerr := p.store.GetRun(run.ID); gerr == nil {
		run = got
	}
	return run, err
}

func (p *Pipeline) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return err
}

func (p *Pipeline) record(run *registry.Run, kind, cohort, slideID, path string, rows int) error {
	return p.store.RecordArtifact(&registry.Artifact{
		RunID:   run.ID,
		Kind:    kind,
		Cohort:  cohort,
		SlideID: slideID,
		Path:    path,
		Rows:    int64(rows),
	})
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nicheerr.Wrap(err, nicheerr.TypeIO, "create directory").WithDetail("path", filepath.Dir(path))
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return nicheerr.Wrap(err, nicheerr.TypeIO, "write file").WithDetail("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nicheerr.Wrap(err, nicheerr.TypeIO, "rename file").WithDetail("path", path)
	}
	return nil
}
