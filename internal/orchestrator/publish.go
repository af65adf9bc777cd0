package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lucasnoah/chronotiles/internal/manifest"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
)

// Catalog is the public years.json index the web client reads.
type Catalog struct {
	Version int64             `json:"version"`
	Years   []int             `json:"years"`
	Files   map[string]string `json:"files"`
}

// Entries lists the prepared archive of every year in run whose file is
// still present in dist.
func Entries(run *pipeline.PipelineRun, dist string) ([]manifest.Entry, error) {
	var entries []manifest.Entry
	for _, year := range run.YearNumbers() {
		ys := run.Year(year)
		if ys.Prepare == nil {
			continue
		}
		path := filepath.Join(dist, ys.Prepare.Filename)
		fi, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		entries = append(entries, manifest.Entry{
			Year:     year,
			Filename: ys.Prepare.Filename,
			Path:     path,
			Hash:     ys.Prepare.Hash,
			Size:     fi.Size(),
		})
	}
	return entries, nil
}

// index writes the candidate manifest and years.json into dist, covering
// every prepared year rather than only this run's selection.
func (o *Orchestrator) index(run *pipeline.PipelineRun) ([]manifest.Entry, error) {
	entries, err := Entries(run, o.paths.Dist)
	if err != nil {
		o.record(run, nil, StageIndex, ActionFailed, err.Error())
		return nil, err
	}

	next := manifest.FromEntries(entries)
	if err := next.Save(filepath.Join(o.paths.Dist, manifest.Filename)); err != nil {
		o.record(run, nil, StageIndex, ActionFailed, err.Error())
		return nil, err
	}
	cat := Catalog{Version: next.Version, Years: next.Years(), Files: next.Files}
	if cat.Years == nil {
		cat.Years = []int{}
	}
	if err := pipeline.WriteJSON(filepath.Join(o.paths.Dist, YearsFile), cat); err != nil {
		o.record(run, nil, StageIndex, ActionFailed, err.Error())
		return nil, fmt.Errorf("write %s: %w", YearsFile, err)
	}

	o.record(run, nil, StageIndex, ActionRan, fmt.Sprintf("%d years", len(entries)))
	return entries, nil
}

// upload pushes changed archives plus both indexes, then persists the
// published manifest.
func (o *Orchestrator) upload(ctx context.Context, run *pipeline.PipelineRun, entries []manifest.Entry) (*manifest.UploadPlan, error) {
	prev, err := manifest.Load(o.paths.Manifest)
	if err != nil {
		o.log.WithError(err).Warn("published manifest unreadable; uploading everything")
		prev = manifest.New()
	}
	plan := manifest.Plan(prev, entries)

	for _, e := range plan.ToUpload {
		if err := o.uploader.Upload(ctx, e.Path, e.Filename); err != nil {
			o.record(run, &e.Year, StageUpload, ActionFailed, err.Error())
			return &plan, err
		}
		run.UpdateYearState(e.Year, &pipeline.UploadRecord{CompletedAt: o.now()})
		if err := o.save(run); err != nil {
			return &plan, err
		}
		o.record(run, &e.Year, StageUpload, ActionRan, e.Filename)
	}
	for _, e := range plan.ToSkip {
		run.UpdateYearState(e.Year, &pipeline.UploadRecord{CompletedAt: o.now(), Skipped: true})
		o.record(run, &e.Year, StageUpload, ActionSkipped, e.Filename)
	}

	for _, name := range []string{YearsFile, manifest.Filename} {
		if err := o.uploader.Upload(ctx, filepath.Join(o.paths.Dist, name), name); err != nil {
			o.record(run, nil, StageUpload, ActionFailed, err.Error())
			return &plan, err
		}
	}
	o.record(run, nil, StageUpload, ActionRan,
		fmt.Sprintf("%d uploaded, %d unchanged", len(plan.ToUpload), len(plan.ToSkip)))

	if err := o.save(run); err != nil {
		return &plan, err
	}
	if err := manifest.FromEntries(entries).Save(o.paths.Manifest); err != nil {
		return &plan, err
	}
	return &plan, nil
}
