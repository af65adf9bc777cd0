package orchestrator

import (
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/chronotiles/internal/hash"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
)

// PendingStages returns the per-year stages a run would execute for year.
// Once one stage must run, every later stage runs too.
func PendingStages(run *pipeline.PipelineRun, year int, sourceHash string) []pipeline.Stage {
	pending := []pipeline.Stage{}
	for _, st := range YearStages {
		if len(pending) > 0 || run.ShouldProcessYear(year, st, sourceHash) {
			pending = append(pending, st)
		}
	}
	return pending
}

// plan reports, without touching any file, what a run would do. run is the
// in-memory checkpoint and is never saved here.
func (o *Orchestrator) plan(run *pipeline.PipelineRun, years []int) ([]YearPlan, error) {
	plans := make([]YearPlan, 0, len(years))
	for _, year := range years {
		srcHash, err := hash.File(o.source.Path(year))
		if err != nil {
			return nil, err
		}
		if ys := run.Year(year); ys != nil && ys.Source != nil && ys.Source.Hash != srcHash {
			run.InvalidateDownstream(year, pipeline.StageSource)
		}
		o.dropMissingArtifacts(run, year)

		p := YearPlan{Year: year, Stages: PendingStages(run, year, srcHash)}
		plans = append(plans, p)
		o.log.WithFields(logrus.Fields{"year": year, "stages": p.Stages}).Info("dry run")
	}
	return plans, nil
}
