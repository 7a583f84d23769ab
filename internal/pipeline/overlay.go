package pipeline

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/jobs"
	"github.com/atlasmap-sc/cellniche/internal/metrics"
	"github.com/atlasmap-sc/cellniche/internal/niche"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/registry"
	"github.com/atlasmap-sc/cellniche/internal/render"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// overlaysFromSlides pairs in-memory slide coordinates with assignments.
// Cells without a niche get id -1 and are not drawn.
func overlaysFromSlides(slides []*table.Slide, asg []niche.Assignment, k int) map[string]*render.Overlay {
	ids := make(map[table.Key]int, len(asg))
	for _, a := range asg {
		ids[table.Key{SlideID: a.SlideID, CellID: a.CellID}] = a.NicheID
	}
	out := make(map[string]*render.Overlay, len(slides))
	for _, s := range slides {
		o := &render.Overlay{X: s.X, Y: s.Y, NicheIDs: make([]int, s.Len()), K: k}
		assigned := false
		for i, c := range s.CellIDs {
			id, ok := ids[table.Key{SlideID: s.ID, CellID: c}]
			if !ok {
				id = -1
			}
			assigned = assigned || ok
			o.NicheIDs[i] = id
		}
		if assigned {
			out[s.ID] = o
		}
	}
	return out
}

// LoadOverlays reads a run's point table and published assignments and
// returns one overlay per slide. A nil slideIDs loads every assigned slide.
func LoadOverlays(ctx context.Context, run *registry.Run, cols parquetio.PointColumns, slideIDs []string) (map[string]*render.Overlay, error) {
	if run.Params.PointsPath == "" {
		return nil, nicheerr.New(nicheerr.TypeConfig, "run has no point table").WithDetail("run_id", run.ID)
	}
	layout := Layout{Root: run.OutputDir}

	var asg []niche.Assignment
	if slideIDs == nil {
		f, err := parquetio.ReadFrame(ctx, layout.Assignments())
		if err != nil {
			return nil, err
		}
		if asg, err = assignmentsFromFrame(f, nil); err != nil {
			return nil, err
		}
	} else {
		for _, id := range slideIDs {
			f, err := parquetio.ReadFrame(ctx, layout.SlideAssignments(id))
			if err != nil {
				return nil, err
			}
			part, err := assignmentsFromFrame(f, &id)
			if err != nil {
				return nil, err
			}
			asg = append(asg, part...)
		}
	}

	points, err := parquetio.ReadPoints(ctx, run.Params.PointsPath, cols)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool)
	for _, a := range asg {
		want[a.SlideID] = true
	}
	slides := slidesFromPoints(points, want)
	return overlaysFromSlides(slides, asg, run.Params.NClusters), nil
}

// LoadOverlay loads the overlay of one slide.
func LoadOverlay(ctx context.Context, run *registry.Run, cols parquetio.PointColumns, slideID string) (*render.Overlay, error) {
	overlays, err := LoadOverlays(ctx, run, cols, []string{slideID})
	if err != nil {
		return nil, err
	}
	o, ok := overlays[slideID]
	if !ok {
		return nil, nicheerr.New(nicheerr.TypeNotFound, "slide has no assigned cells").
			WithDetail("run_id", run.ID).
			WithDetail("slide_id", slideID)
	}
	return o, nil
}

// assignmentsFromFrame reads {slide_id, cell_id, niche_id} rows. When
// slideID is set, the frame comes from a single partition and has no slide
// column.
func assignmentsFromFrame(f *parquetio.Frame, slideID *string) ([]niche.Assignment, error) {
	cells, err := f.StringValues(CellColumn)
	if err != nil {
		return nil, err
	}
	var slides []string
	if slideID == nil {
		if slides, err = f.StringValues(SlideColumn); err != nil {
			return nil, err
		}
	}
	ids, _, err := f.FloatValues(NicheColumn)
	if err != nil {
		return nil, err
	}
	out := make([]niche.Assignment, len(cells))
	for i := range cells {
		var s string
		if slideID != nil {
			s = *slideID
		} else {
			s = slides[i]
		}
		out[i] = niche.Assignment{SlideID: s, CellID: cells[i], NicheID: int(ids[i])}
	}
	return out, nil
}

// slidesFromPoints groups points into coordinate-only slides.
func slidesFromPoints(pt *table.PointTable, want map[string]bool) []*table.Slide {
	idx := make(map[string]*table.Slide)
	var out []*table.Slide
	for i, k := range pt.Keys {
		if !want[k.SlideID] {
			continue
		}
		s, ok := idx[k.SlideID]
		if !ok {
			s = &table.Slide{ID: k.SlideID}
			idx[k.SlideID] = s
			out = append(out, s)
		}
		s.CellIDs = append(s.CellIDs, k.CellID)
		s.X = append(s.X, pt.X[i])
		s.Y = append(s.Y, pt.Y[i])
	}
	return out
}

func (p *Pipeline) renderOverlays(ctx context.Context, run *registry.Run, overlays map[string]*render.Overlay) error {
	ids := make([]string, 0, len(overlays))
	for id := range overlays {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	layout := Layout{Root: run.OutputDir}
	tasks := make([]jobs.Task, len(ids))
	for i, id := range ids {
		id, o := id, overlays[id]
		tasks[i] = jobs.Task{Name: "overlay/" + id, Run: func(ctx context.Context) error {
			png, err := p.renderer.RenderOverlay(o)
			if err != nil {
				return err
			}
			path := layout.Overlay(id)
			if err := writeFileAtomic(path, png); err != nil {
				return err
			}
			return p.record(run, registry.KindOverlay, "", id, path, len(o.X))
		}}
	}

	pool := jobs.NewPool(p.cfg.Pipeline.Workers, p.logger)
	pool.Observe = func(name string, d time.Duration, err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.SlidesProcessed.WithLabelValues(StageOverlay, status).Inc()
	}
	if err := pool.Run(ctx, tasks); err != nil {
		return err
	}
	p.logger.Info("overlays rendered", zap.Int("slides", len(ids)), zap.String("dir", layout.Overlays()))
	return nil
}
