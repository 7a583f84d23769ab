package pipeline

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasmap-sc/cellniche/internal/cluster"
	"github.com/atlasmap-sc/cellniche/internal/cohort"
	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/data/zarr"
	"github.com/atlasmap-sc/cellniche/internal/metrics"
	"github.com/atlasmap-sc/cellniche/internal/neighbourhood"
	"github.com/atlasmap-sc/cellniche/internal/niche"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/normalize"
	"github.com/atlasmap-sc/cellniche/internal/registry"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

type clustered struct {
	// assignments of every clustered cell, across cohorts
	assignments []niche.Assignment
	cohorts     map[string]*cohortResult
}

type cohortResult struct {
	loading    *niche.Loading
	prototypes *niche.Prototypes
	summary    cluster.Summary
}

func (p *Pipeline) cohortMap() (*cohort.Map, error) {
	c := p.cfg.Cohorts
	if c.MetadataCSV == "" {
		return cohort.All(), nil
	}
	return cohort.Load(c.MetadataCSV, c.SlideColumn, c.GroupColumn, c.Include)
}

func (p *Pipeline) cluster(ctx context.Context, run *registry.Run, results []*neighbourhood.Result) (*clustered, error) {
	cm, err := p.cohortMap()
	if err != nil {
		return nil, err
	}
	bySlide := make(map[string]*neighbourhood.Result, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		bySlide[r.SlideID] = r
		ids = append(ids, r.SlideID)
	}
	groups, unassigned := cm.Partition(ids)
	if len(unassigned) > 0 {
		p.logger.Warn("slides without a cohort are not clustered",
			zap.Int("count", len(unassigned)),
			zap.Strings("slide_ids", unassigned))
	}
	if len(groups) == 0 {
		return nil, nicheerr.New(nicheerr.TypeValidation, "no slide belongs to a configured cohort").
			WithDetail("cohorts", cm.Names())
	}

	out := &clustered{cohorts: make(map[string]*cohortResult)}
	var errs []error
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		members := make([]*neighbourhood.Result, len(g.SlideIDs))
		for i, id := range g.SlideIDs {
			members[i] = bySlide[id]
		}
		res, asg, err := p.clusterCohort(ctx, run, g.Name, members)
		if err != nil {
			metrics.SlidesProcessed.WithLabelValues(StageCluster, "error").Add(float64(len(members)))
			p.logger.Error("cohort failed", zap.String("cohort", g.Name), zap.Error(err))
			errs = append(errs, nicheerr.Wrap(err, nicheerr.TypeData, "cluster cohort").WithDetail("cohort", g.Name))
			continue
		}
		metrics.SlidesProcessed.WithLabelValues(StageCluster, "ok").Add(float64(len(members)))
		out.cohorts[g.Name] = res
		out.assignments = append(out.assignments, asg...)
	}

	if len(out.assignments) > 0 {
		if err := p.writeAssignments(run, out.assignments); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return out, err
	}
	return out, nil
}

func (p *Pipeline) clusterCohort(ctx context.Context, run *registry.Run, name string, members []*neighbourhood.Result) (*cohortResult, []niche.Assignment, error) {
	log := p.logger.With(zap.String("cohort", name))
	columns := members[0].Columns
	rows := 0
	for _, r := range members {
		if !slices.Equal(r.Columns, columns) {
			return nil, nil, nicheerr.New(nicheerr.TypeValidation, "slides of a cohort have different mark columns").
				WithDetail("slide_id", r.SlideID).
				WithDetail("columns", r.Columns).
				WithDetail("expected", columns)
		}
		rows += r.Len()
	}

	layout := Layout{Root: run.OutputDir}
	hist, keys, err := p.histograms(layout.Histograms(name), members, rows)
	if err != nil {
		return nil, nil, err
	}
	if err := p.record(run, registry.KindHistograms, name, "", layout.Histograms(name), rows); err != nil {
		return nil, nil, err
	}

	var x mat.Matrix = hist
	if p.cfg.Pipeline.SpillHistograms {
		zm, err := zarr.Open(layout.Histograms(name), p.cfg.Pipeline.ChunkCacheSize)
		if err != nil {
			return nil, nil, nicheerr.Wrap(err, nicheerr.TypeIO, "open histogram store").WithDetail("cohort", name)
		}
		defer zm.Close()
		x = zm
	}

	n := p.cfg.Niche
	km, err := cluster.New(cluster.Config{
		K:                n.NClusters,
		BatchSize:        n.BatchSize,
		MaxNoImprovement: n.MaxNoImprovement,
		Seed:             n.RandomSeed,
		MaxEpochs:        n.MaxEpochs,
		InitSize:         n.InitSize,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	fit, err := km.FitPredict(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	if zm, ok := x.(*zarr.Matrix); ok {
		if err := zm.Err(); err != nil {
			return nil, nil, nicheerr.Wrap(err, nicheerr.TypeIO, "read histogram store").WithDetail("cohort", name)
		}
	}
	metrics.FitInertia.WithLabelValues(name).Set(fit.Summary.Inertia)
	log.Info("cohort clustered",
		zap.Int("cells", rows),
		zap.Int("slides", len(members)),
		zap.Int("steps", fit.Summary.Steps),
		zap.Int("epochs", fit.Summary.Epochs),
		zap.Float64("inertia", fit.Summary.Inertia),
		zap.Bool("early_stopped", fit.Summary.EarlyStopped))

	asg, err := niche.Assign(keys, fit.Labels, n.NClusters)
	if err != nil {
		return nil, nil, err
	}
	loading := niche.BuildLoading(asg, n.NClusters)
	protos, err := niche.NewPrototypes(fit.Centers, columns)
	if err != nil {
		return nil, nil, err
	}

	lf, err := loadingFrame(loading)
	if err != nil {
		return nil, nil, err
	}
	if err := parquetio.WriteFile(layout.Loading(name), lf); err != nil {
		return nil, nil, err
	}
	if err := p.record(run, registry.KindLoading, name, "", layout.Loading(name), len(loading.SlideIDs)); err != nil {
		return nil, nil, err
	}
	pf, err := prototypeFrame(protos)
	if err != nil {
		return nil, nil, err
	}
	if err := parquetio.WriteFile(layout.Prototypes(name), pf); err != nil {
		return nil, nil, err
	}
	if err := p.record(run, registry.KindPrototypes, name, "", layout.Prototypes(name), protos.K()); err != nil {
		return nil, nil, err
	}
	return &cohortResult{loading: loading, prototypes: protos, summary: fit.Summary}, asg, nil
}

// histograms normalizes the cohort's neighbourhood rows into the chunked
// store at path and into an in-memory matrix, returning the row keys.
func (p *Pipeline) histograms(path string, members []*neighbourhood.Result, rows int) (*mat.Dense, []table.Key, error) {
	columns := members[0].Columns
	w := len(columns)
	if w == 0 {
		return nil, nil, nicheerr.New(nicheerr.TypeValidation, "no mark columns to cluster")
	}
	zw, err := zarr.Create(path, columns, p.cfg.Pipeline.ZarrChunkRows)
	if err != nil {
		return nil, nil, nicheerr.Wrap(err, nicheerr.TypeIO, "create histogram store").WithDetail("path", path)
	}

	norm := normalize.New(p.cfg.Niche.Epsilon)
	var data []float64
	if !p.cfg.Pipeline.SpillHistograms {
		data = make([]float64, rows*w)
	}
	row := make([]float64, w)
	keys := make([]table.Key, 0, rows)
	i := 0
	for _, r := range members {
		for c := 0; c < r.Len(); c++ {
			norm.HistogramRow(row, r.Row(c))
			if err := zw.AppendRow(row); err != nil {
				return nil, nil, nicheerr.Wrap(err, nicheerr.TypeIO, "write histogram row").WithDetail("path", path)
			}
			if data != nil {
				copy(data[i*w:(i+1)*w], row)
			}
			keys = append(keys, table.Key{SlideID: r.SlideID, CellID: r.CellIDs[c]})
			i++
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, nicheerr.Wrap(err, nicheerr.TypeIO, "close histogram store").WithDetail("path", path)
	}
	if data == nil {
		return nil, keys, nil
	}
	return mat.NewDense(rows, w, data), keys, nil
}

func (p *Pipeline) writeAssignments(run *registry.Run, asg []niche.Assignment) error {
	slideIDs, bySlide := niche.BySlide(asg)
	layout := Layout{Root: run.OutputDir}
	parts := make([]parquetio.Partition, 0, len(slideIDs))
	for _, id := range slideIDs {
		f, err := assignmentFrame(bySlide[id])
		if err != nil {
			return err
		}
		parts = append(parts, parquetio.Partition{Value: id, Frame: f})
	}
	if err := parquetio.WritePartitioned(layout.Assignments(), SlideColumn, parts); err != nil {
		return err
	}
	for _, id := range slideIDs {
		if err := p.record(run, registry.KindAssignment, "", id, layout.SlideAssignments(id), len(bySlide[id])); err != nil {
			return err
		}
	}
	return nil
}
