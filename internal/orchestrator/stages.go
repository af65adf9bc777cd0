package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/chronotiles/internal/geo"
	"github.com/lucasnoah/chronotiles/internal/hash"
	"github.com/lucasnoah/chronotiles/internal/merge"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
	"github.com/lucasnoah/chronotiles/internal/source"
	"github.com/lucasnoah/chronotiles/internal/validate"
)

const (
	polygonsFile = "polygons.geojson"
	labelsFile   = "labels.geojson"
)

// ArchiveName is the published, content-addressed filename of a year's
// tile archive, e.g. world_1650.1a2b3c4d.pmtiles.
func ArchiveName(year int, digest string) string {
	return "world_" + source.YearLabel(year) + "." + hash.Short(digest) + ".pmtiles"
}

func (o *Orchestrator) workDir(year int) string {
	return filepath.Join(o.paths.Work, source.YearLabel(year))
}

func (o *Orchestrator) polygonsPath(year int) string {
	return filepath.Join(o.workDir(year), polygonsFile)
}

func (o *Orchestrator) labelsPath(year int) string {
	return filepath.Join(o.workDir(year), labelsFile)
}

func (o *Orchestrator) tilesPath(year int) string {
	return filepath.Join(o.workDir(year), source.YearLabel(year)+".pmtiles")
}

// processYear brings one year up to date. Each completed stage is
// checkpointed before the next one starts.
func (o *Orchestrator) processYear(ctx context.Context, run *pipeline.PipelineRun, year int, res *RunResult, report *validate.Report) error {
	srcHash, err := hash.File(o.source.Path(year))
	if err != nil {
		return fmt.Errorf("hash source for %s: %w", source.YearLabel(year), err)
	}
	if ys := run.Year(year); ys != nil && ys.Source != nil && ys.Source.Hash != srcHash {
		run.InvalidateDownstream(year, pipeline.StageSource)
		o.log.WithFields(logrus.Fields{"year": year, "stage": pipeline.StageSource}).Info("source changed")
	}
	run.UpdateYearState(year, &pipeline.SourceRecord{Hash: srcHash, FetchedAt: o.now()})
	o.dropMissingArtifacts(run, year)

	for _, st := range YearStages {
		if !run.ShouldProcessYear(year, st, srcHash) {
			o.record(run, &year, string(st), ActionSkipped, "")
			res.Skipped++
			continue
		}
		// Everything after a re-run stage consumed its old output.
		run.InvalidateDownstream(year, st)

		rec, detail, err := o.runStage(ctx, year, st, report)
		if err != nil {
			o.record(run, &year, string(st), ActionFailed, err.Error())
			return err
		}
		run.UpdateYearState(year, rec)
		if err := o.save(run); err != nil {
			return err
		}
		o.record(run, &year, string(st), ActionRan, detail)
		res.Ran++
	}
	return nil
}

// dropMissingArtifacts forgets stages whose output a pending stage would
// need but which is no longer on disk.
func (o *Orchestrator) dropMissingArtifacts(run *pipeline.PipelineRun, year int) {
	ys := run.Year(year)
	if ys == nil {
		return
	}
	if ys.Prepare != nil && !exists(filepath.Join(o.paths.Dist, ys.Prepare.Filename)) {
		run.InvalidateDownstream(year, pipeline.StageConvert)
	}
	if ys.Prepare == nil && ys.Convert != nil && !exists(o.tilesPath(year)) {
		run.InvalidateDownstream(year, pipeline.StageValidate)
	}
	if ys.Convert == nil && ys.Merge != nil && (!exists(o.polygonsPath(year)) || !exists(o.labelsPath(year))) {
		run.InvalidateDownstream(year, pipeline.StageSource)
	}
}

func (o *Orchestrator) runStage(ctx context.Context, year int, st pipeline.Stage, report *validate.Report) (pipeline.StageRecord, string, error) {
	switch st {
	case pipeline.StageMerge:
		return o.mergeYear(year)
	case pipeline.StageValidate:
		return o.validateYear(year, report)
	case pipeline.StageConvert:
		return o.convertYear(ctx, year)
	case pipeline.StagePrepare:
		return o.prepareYear(year)
	}
	return nil, "", fmt.Errorf("unknown stage %q", st)
}

func (o *Orchestrator) mergeYear(year int) (pipeline.StageRecord, string, error) {
	fc, err := geo.ReadCollection(o.source.Path(year))
	if err != nil {
		return nil, "", err
	}
	out := merge.Merge(fc, o.mergeOpts)
	for _, name := range out.LabelFailures {
		o.log.WithFields(logrus.Fields{"year": year, "stage": pipeline.StageMerge, "name": name}).
			Warn("no label point for group")
	}

	data, err := geo.WriteCollection(o.polygonsPath(year), out.Polygons)
	if err != nil {
		return nil, "", err
	}
	if _, err := geo.WriteCollection(o.labelsPath(year), out.Labels); err != nil {
		return nil, "", err
	}

	rec := &pipeline.MergeRecord{
		Hash:         hash.Content(data),
		FeatureCount: len(out.Polygons.Features),
		LabelCount:   len(out.Labels.Features),
		CompletedAt:  o.now(),
	}
	return rec, fmt.Sprintf("%d features in, %d polygons, %d labels", len(fc.Features), rec.FeatureCount, rec.LabelCount), nil
}

// validateYear validates the merged polygons. Repaired geometry is written
// back so the converter encodes the fixed shapes.
func (o *Orchestrator) validateYear(year int, report *validate.Report) (pipeline.StageRecord, string, error) {
	path := o.polygonsPath(year)
	fc, err := geo.ReadCollection(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		// Unparseable output validates as an empty collection.
		fc = nil
	}

	res := o.validator.Validate(fc)
	report.Add(year, res)
	for _, r := range res.Repairs {
		o.metrics.Repair(r.Technique)
	}
	for _, w := range res.Warnings {
		o.log.WithFields(logrus.Fields{"year": year, "stage": pipeline.StageValidate, "code": w.Code, "feature": w.Feature}).
			Debug(w.Message)
	}
	if !res.Passed {
		return nil, "", &ValidationFailure{Year: year, Errors: res.Errors}
	}

	if len(res.Repairs) > 0 {
		if _, err := geo.WriteCollection(path, fc); err != nil {
			return nil, "", fmt.Errorf("write repaired polygons: %w", err)
		}
	}
	rec := &pipeline.ValidateRecord{
		CompletedAt:  o.now(),
		WarningCount: len(res.Warnings),
		ErrorCount:   len(res.Errors),
		RepairCount:  len(res.Repairs),
	}
	return rec, fmt.Sprintf("%d warnings, %d repairs", rec.WarningCount, rec.RepairCount), nil
}

func (o *Orchestrator) convertYear(ctx context.Context, year int) (pipeline.StageRecord, string, error) {
	out := o.tilesPath(year)
	if err := o.converter.Convert(ctx, o.polygonsPath(year), o.labelsPath(year), out); err != nil {
		return nil, "", fmt.Errorf("convert %s: %w", source.YearLabel(year), err)
	}
	digest, err := hash.File(out)
	if err != nil {
		return nil, "", err
	}
	return &pipeline.ConvertRecord{Hash: digest, CompletedAt: o.now()}, hash.Short(digest), nil
}

// prepareYear publishes the archive into dist under its hashed name and
// removes the year's older archives.
func (o *Orchestrator) prepareYear(year int) (pipeline.StageRecord, string, error) {
	src := o.tilesPath(year)
	digest, err := hash.File(src)
	if err != nil {
		return nil, "", err
	}
	name := ArchiveName(year, digest)
	if err := pipeline.CopyAtomic(src, filepath.Join(o.paths.Dist, name)); err != nil {
		return nil, "", err
	}
	if err := o.removeOldArchives(year, name); err != nil {
		return nil, "", err
	}
	return &pipeline.PrepareRecord{Hash: digest, Filename: name, CompletedAt: o.now()}, name, nil
}

func (o *Orchestrator) removeOldArchives(year int, keep string) error {
	pattern := filepath.Join(o.paths.Dist, "world_"+source.YearLabel(year)+".*.pmtiles")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("glob %s: %w", pattern, err)
	}
	for _, m := range matches {
		if filepath.Base(m) == keep {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old archive: %w", err)
		}
		o.log.WithFields(logrus.Fields{"year": year, "stage": pipeline.StagePrepare, "file": filepath.Base(m)}).
			Debug("removed old archive")
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
