package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/data/parquetio"
	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
	"github.com/atlasmap-sc/cellniche/internal/phenotype"
	"github.com/atlasmap-sc/cellniche/internal/table"
)

// Phenotype turns the long-format tag table into a mark table and writes it
// to phenotype.output_path. It returns the number of cells written.
func (p *Pipeline) Phenotype(ctx context.Context) (int, error) {
	pc := p.cfg.Phenotype
	if pc.TagsPath == "" || pc.OutputPath == "" {
		return 0, nicheerr.New(nicheerr.TypeConfig, "phenotype.tags_path and phenotype.output_path are required").
			WithDetail("tags_path", pc.TagsPath).
			WithDetail("output_path", pc.OutputPath)
	}

	f, err := parquetio.ReadFrame(ctx, pc.TagsPath)
	if err != nil {
		return 0, err
	}
	d := p.cfg.Data
	slides, err := f.StringValues(d.SlideColumn)
	if err != nil {
		return 0, err
	}
	cells, err := f.StringValues(d.CellColumn)
	if err != nil {
		return 0, err
	}
	tags, err := f.StringValues(pc.TagColumn)
	if err != nil {
		return 0, err
	}
	records := make([]phenotype.Record, len(tags))
	for i := range tags {
		records[i] = phenotype.Record{SlideID: slides[i], CellID: cells[i], Tag: tags[i]}
	}

	mh, err := phenotype.BuildMultiHot(records)
	if err != nil {
		return 0, err
	}
	if n := mh.CleanConflicting(); n > 0 {
		p.logger.Info("conflicting CK tags cleared", zap.Int("cells", n))
	}

	var mt *table.MarkTable
	switch pc.Output {
	case "phenotypes":
		if pc.LookupCSV == "" {
			return 0, nicheerr.New(nicheerr.TypeConfig, "phenotype.lookup_csv is required for phenotype output")
		}
		lookup, err := phenotype.LoadLookup(pc.LookupCSV)
		if err != nil {
			return 0, err
		}
		labels, err := lookup.ClassifyAll(mh)
		if err != nil {
			return 0, err
		}
		if mt, err = lookup.OneHot(mh.Keys, labels); err != nil {
			return 0, err
		}
	default:
		mt = mh.MarkTable()
	}

	out, err := markFrame(mt, d.SlideColumn, d.CellColumn)
	if err != nil {
		return 0, err
	}
	if err := parquetio.WriteFile(pc.OutputPath, out); err != nil {
		return 0, err
	}
	p.logger.Info("phenotype table written",
		zap.String("path", pc.OutputPath),
		zap.String("output", pc.Output),
		zap.Int("cells", mt.Len()),
		zap.Strings("columns", mt.Columns))
	return mt.Len(), nil
}
