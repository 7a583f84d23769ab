package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/config"
	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/neighbourhood"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/registry"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

type aggregated struct {
	slides  []*table.Slide
	results []*neighbourhood.Result
}

// PointColumns maps the configured input column names.
func PointColumns(d config.DataConfig) parquetio.PointColumns {
	return parquetio.PointColumns{Slide: d.SlideColumn, Cell: d.CellColumn, X: d.XColumn, Y: d.YColumn, Geom: d.GeomColumn}
}

func (p *Pipeline) pointColumns() parquetio.PointColumns { return PointColumns(p.cfg.Data) }

func (p *Pipeline) aggregate(ctx context.Context, run *registry.Run) (*aggregated, error) {
	d := p.cfg.Data
	if d.PointsPath == "" || d.MarksPath == "" {
		return nil, nicheerr.New(nicheerr.TypeConfig, "data.points_path and data.marks_path are required").
			WithDetail("points_path", d.PointsPath).
			WithDetail("marks_path", d.MarksPath)
	}

	points, err := parquetio.ReadPoints(ctx, d.PointsPath, p.pointColumns())
	if err != nil {
		return nil, err
	}
	marks, err := parquetio.ReadMarks(ctx, d.MarksPath, d.SlideColumn, d.CellColumn)
	if err != nil {
		return nil, err
	}
	slides, err := table.Join(points, marks)
	if err != nil {
		return nil, err
	}
	p.logger.Info("inputs joined",
		zap.Int("cells", points.Len()),
		zap.Int("slides", len(slides)),
		zap.Int("markers", marks.Width()))

	agg, err := neighbourhood.New(neighbourhood.Config{
		Radius:  p.cfg.Niche.Radius,
		Workers: p.cfg.Pipeline.Workers,
	}, p.logger)
	if err != nil {
		return nil, err
	}
	results, err := agg.AggregateSlides(ctx, slides)
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].SlideID < results[j].SlideID })

	parts := make([]parquetio.Partition, 0, len(results))
	rows := 0
	for _, r := range results {
		f, err := neighbourhoodFrame(r)
		if err != nil {
			return nil, err
		}
		parts = append(parts, parquetio.Partition{Value: r.SlideID, Frame: f})
		rows += r.Len()
	}
	dir := Layout{Root: run.OutputDir}.Neighbourhoods()
	if err := parquetio.WritePartitioned(dir, SlideColumn, parts); err != nil {
		return nil, err
	}
	if err := p.record(run, registry.KindNeighbourhoods, "", "", dir, rows); err != nil {
		return nil, err
	}
	p.logger.Info("neighbourhoods written", zap.String("path", dir), zap.Int("rows", rows))
	return &aggregated{slides: slides, results: results}, nil
}

// loadNeighbourhoods reads a published neighbourhood table back into
// per-slide results.
func (p *Pipeline) loadNeighbourhoods(ctx context.Context, path string) ([]*neighbourhood.Result, error) {
	mt, err := parquetio.ReadMarks(ctx, path, SlideColumn, CellColumn)
	if err != nil {
		return nil, err
	}
	results := resultsFromMarks(mt)
	sort.Slice(results, func(i, j int) bool { return results[i].SlideID < results[j].SlideID })
	return results, nil
}
