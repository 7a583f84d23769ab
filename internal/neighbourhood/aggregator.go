// Package neighbourhood sums the mark vectors of all cells within a fixed
// radius of each cell, slide by slide.
package neighbourhood

import (
	"context"
	"math"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/jobs"
	"github.com/atlasmap-sc/cellniche/internal/metrics"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/spatial"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// Config contains aggregation settings.
type Config struct {
	Radius  float64
	Workers int
}

// Result holds the neighbourhood vectors of one slide, row-aligned with the
// slide's cells.
type Result struct {
	SlideID string
	CellIDs []string
	Columns []string
	// Sums is row-major with len(Columns) values per cell.
	Sums []float64
	// NeighbourCounts is the neighbourhood size of each cell, self included.
	NeighbourCounts []int
	Integral        bool
}

// Len returns the number of cells.
func (r *Result) Len() int { return len(r.CellIDs) }

// Row returns the neighbourhood vector of cell i.
func (r *Result) Row(i int) []float64 {
	w := len(r.Columns)
	return r.Sums[i*w : (i+1)*w : (i+1)*w]
}

// Aggregator computes neighbourhood vectors.
type Aggregator struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an aggregator.
func New(cfg Config, logger *zap.Logger) (*Aggregator, error) {
	if cfg.Radius < 0 || math.IsNaN(cfg.Radius) || math.IsInf(cfg.Radius, 0) {
		return nil, nicheerr.New(nicheerr.TypeConfig, "radius must be finite and non-negative").
			WithDetail("radius", cfg.Radius)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{cfg: cfg, logger: logger}, nil
}

// AggregateSlide computes the neighbourhood vectors of one slide. Missing
// marks count as zero.
func (a *Aggregator) AggregateSlide(ctx context.Context, s *table.Slide) (*Result, error) {
	if s.Len() == 0 {
		return nil, nicheerr.New(nicheerr.TypeValidation, "slide has no cells").WithDetail("slide_id", s.ID)
	}
	start := time.Now()

	ix, err := spatial.NewIndex(s.X, s.Y)
	if err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeValidation, "build spatial index").WithDetail("slide_id", s.ID)
	}

	w := s.Width()
	res := &Result{
		SlideID:         s.ID,
		CellIDs:         s.CellIDs,
		Columns:         s.Columns,
		Sums:            make([]float64, s.Len()*w),
		NeighbourCounts: make([]int, s.Len()),
		Integral:        s.Integral,
	}

	var buf []orb.Pointer
	var nbrs []int
	for i := 0; i < s.Len(); i++ {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		nbrs, buf = ix.Neighbours(i, a.cfg.Radius, buf)
		dst := res.Row(i)
		for _, j := range nbrs {
			for c, v := range s.MarkRow(j) {
				if !math.IsNaN(v) {
					dst[c] += v
				}
			}
		}
		res.NeighbourCounts[i] = len(nbrs)
	}

	metrics.CellsAggregated.Add(float64(s.Len()))
	metrics.StageDuration.WithLabelValues("aggregate_slide").Observe(time.Since(start).Seconds())
	a.logger.Debug("slide aggregated",
		zap.String("slide_id", s.ID),
		zap.Int("cells", s.Len()),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// AggregateSlides aggregates every slide on a bounded worker pool. Results
// keep the order of slides. Any failing slide fails the whole call.
func (a *Aggregator) AggregateSlides(ctx context.Context, slides []*table.Slide) ([]*Result, error) {
	results := make([]*Result, len(slides))
	tasks := make([]jobs.Task, len(slides))
	for i, s := range slides {
		i, s := i, s
		tasks[i] = jobs.Task{Name: "aggregate/" + s.ID, Run: func(ctx context.Context) error {
			r, err := a.AggregateSlide(ctx, s)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		}}
	}

	pool := jobs.NewPool(a.cfg.Workers, a.logger)
	pool.Observe = func(name string, d time.Duration, err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.SlidesProcessed.WithLabelValues("aggregate", status).Inc()
	}
	if err := pool.Run(ctx, tasks); err != nil {
		return nil, err
	}
	a.logger.Info("neighbourhoods aggregated", zap.Int("slides", len(slides)), zap.Float64("radius", a.cfg.Radius))
	return results, nil
}
