// Package orchestrator drives a pipeline run: it walks every selected year
// through merge, validate, convert and prepare, skipping work the
// checkpoint shows is current, then builds the index and uploads once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/chronotiles/internal/lock"
	"github.com/lucasnoah/chronotiles/internal/manifest"
	"github.com/lucasnoah/chronotiles/internal/merge"
	"github.com/lucasnoah/chronotiles/internal/metrics"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
	"github.com/lucasnoah/chronotiles/internal/source"
	"github.com/lucasnoah/chronotiles/internal/upload"
	"github.com/lucasnoah/chronotiles/internal/validate"
)

// Whole-run stages. They have no per-year checkpoint record.
const (
	StageFetch  = "fetch"
	StageIndex  = "index"
	StageUpload = string(pipeline.StageUpload)
)

// Stage outcomes, as logged and recorded in the events database.
const (
	ActionRan     = "ran"
	ActionSkipped = "skipped"
	ActionFailed  = "failed"
)

// Files written by a run.
const (
	YearsFile  = "years.json"
	ReportFile = "validation-report.json"
)

// YearStages are the per-year stages in execution order.
var YearStages = []pipeline.Stage{
	pipeline.StageMerge,
	pipeline.StageValidate,
	pipeline.StageConvert,
	pipeline.StagePrepare,
}

// ErrValidationFailed matches every *ValidationFailure.
var ErrValidationFailed = errors.New("validation failed")

// ValidationFailure aborts a run when a year has hard validation errors.
type ValidationFailure struct {
	Year   int
	Errors []validate.Issue
}

func (e *ValidationFailure) Error() string {
	msg := fmt.Sprintf("validation failed for year %d: %d error(s)", e.Year, len(e.Errors))
	if len(e.Errors) > 0 {
		msg += ": " + e.Errors[0].Message
	}
	return msg
}

func (e *ValidationFailure) Unwrap() error { return ErrValidationFailed }

// Source provides the per-year input files.
type Source interface {
	Fetch(ctx context.Context) (revision string, err error)
	DataDir() string
	Path(year int) string
}

// Converter encodes merged polygons and labels into one tile archive.
type Converter interface {
	Convert(ctx context.Context, polygons, labels, output string) error
}

// EventLog records stage events. year is nil for whole-run stages.
type EventLog interface {
	LogStageEvent(runID string, year *int, stage, action, detail string) error
}

// Paths locates the files a run reads and writes.
type Paths struct {
	Work       string
	Dist       string
	Checkpoint string
	// Manifest is the last published manifest.
	Manifest string
	// Metrics is the Prometheus textfile; empty disables it.
	Metrics string
}

// Deps are the collaborators of an Orchestrator. Uploader, Events and
// Metrics are optional.
type Deps struct {
	Source    Source
	Lock      *lock.Lock
	Converter Converter
	Uploader  upload.Uploader
	Validator *validate.Validator
	Merge     merge.Options
	Events    EventLog
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
	Paths     Paths
}

// Orchestrator runs the pipeline. It is the only writer of the checkpoint.
type Orchestrator struct {
	source    Source
	lock      *lock.Lock
	converter Converter
	uploader  upload.Uploader
	validator *validate.Validator
	mergeOpts merge.Options
	events    EventLog
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	paths     Paths

	now       func() time.Time
	heartbeat time.Duration
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	log := d.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Orchestrator{
		source:    d.Source,
		lock:      d.Lock,
		converter: d.Converter,
		uploader:  d.Uploader,
		validator: d.Validator,
		mergeOpts: d.Merge,
		events:    d.Events,
		metrics:   d.Metrics,
		log:       log,
		paths:     d.Paths,
		now:       func() time.Time { return time.Now().UTC() },
		heartbeat: lock.StaleAfter / 5,
	}
}

// Opts selects what a run does.
type Opts struct {
	Selection  source.Selection
	Restart    bool
	DryRun     bool
	SkipUpload bool
}

// YearPlan lists the per-year stages a run would execute.
type YearPlan struct {
	Year   int              `json:"year"`
	Stages []pipeline.Stage `json:"stages"`
}

// RunResult summarizes a run.
type RunResult struct {
	RunID    string               `json:"runId"`
	Status   pipeline.Status      `json:"status"`
	Resumed  bool                 `json:"resumed"`
	DryRun   bool                 `json:"dryRun"`
	Revision string               `json:"revision,omitempty"`
	Years    []int                `json:"years"`
	Ran      int                  `json:"ran"`
	Skipped  int                  `json:"skipped"`
	Plan     []YearPlan           `json:"plan,omitempty"`
	Report   *validate.Report     `json:"report,omitempty"`
	Upload   *manifest.UploadPlan `json:"upload,omitempty"`
}

// Run executes one pipeline run while holding the lock. A busy lock
// returns an error wrapping lock.ErrLockHeld; a year with hard validation
// errors returns a *ValidationFailure.
func (o *Orchestrator) Run(ctx context.Context, opts Opts) (res *RunResult, err error) {
	if err := opts.Selection.Validate(); err != nil {
		return nil, err
	}

	ok, err := o.lock.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if info, ierr := lock.ReadInfo(o.lock.Dir()); ierr == nil {
			return nil, fmt.Errorf("%w: pid %d on %s since %s",
				lock.ErrLockHeld, info.PID, info.Hostname, info.StartedAt.Format(time.RFC3339))
		}
		return nil, lock.ErrLockHeld
	}
	stopCleanup := o.lock.RegisterCleanup(o.log)
	stopHeartbeat := o.lock.Heartbeat(o.heartbeat, o.log)
	defer func() {
		stopHeartbeat()
		stopCleanup()
		if rerr := o.lock.Release(); rerr != nil {
			err = combine(err, fmt.Errorf("release lock: %w", rerr))
		}
	}()

	run, resumed := o.loadRun(opts.Restart)
	res = &RunResult{RunID: run.RunID, Status: run.Status, Resumed: resumed, DryRun: opts.DryRun}

	if opts.DryRun {
		years, err := o.selectYears(opts.Selection)
		if err != nil {
			return res, err
		}
		res.Years = years
		res.Plan, err = o.plan(run, years)
		return res, err
	}
	return res, o.execute(ctx, run, opts, res)
}

// loadRun picks the checkpoint a run continues from. Only a run still
// marked running is resumed; a finished run is succeeded by a new one that
// inherits its year ledger.
func (o *Orchestrator) loadRun(restart bool) (*pipeline.PipelineRun, bool) {
	if restart {
		o.log.Info("restart requested; discarding checkpoint")
		return pipeline.CreateInitialState(), false
	}

	prev, err := pipeline.ReadState(o.paths.Checkpoint)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return pipeline.CreateInitialState(), false
	case err != nil:
		o.log.WithError(err).Warn("ignoring unreadable checkpoint")
		return pipeline.CreateInitialState(), false
	case prev.Version != pipeline.SchemaVersion:
		o.log.WithField("version", prev.Version).Warn("ignoring checkpoint with unknown schema version")
		return pipeline.CreateInitialState(), false
	case prev.Resumable():
		o.log.WithField("run", prev.RunID).Info("resuming interrupted run")
		return prev, true
	default:
		return prev.Successor(), false
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *pipeline.PipelineRun, opts Opts, res *RunResult) error {
	started := o.now()
	report := validate.NewReport()
	res.Report = report

	if err := o.save(run); err != nil {
		return err
	}

	cause := o.stages(ctx, run, opts, res, report)

	status := pipeline.StatusCompleted
	if cause != nil {
		status = pipeline.StatusFailed
	}
	run.Finish(status)
	res.Status = status
	if err := o.save(run); err != nil {
		cause = combine(cause, err)
	}

	if report.Years > 0 {
		path := filepath.Join(o.paths.Work, ReportFile)
		if err := pipeline.WriteJSON(path, report); err != nil {
			cause = combine(cause, fmt.Errorf("write validation report: %w", err))
		}
	}

	o.metrics.Finish(started, o.now(), cause == nil)
	if err := o.metrics.WriteTextfile(o.paths.Metrics); err != nil {
		o.log.WithError(err).Warn("write metrics textfile")
	}

	entry := o.log.WithFields(logrus.Fields{"run": run.RunID, "status": status, "ran": res.Ran, "skipped": res.Skipped})
	if cause != nil {
		entry.WithError(cause).Error("run failed")
	} else {
		entry.Info("run completed")
	}
	return cause
}

func (o *Orchestrator) stages(ctx context.Context, run *pipeline.PipelineRun, opts Opts, res *RunResult, report *validate.Report) error {
	o.fetch(ctx, run, res)
	if err := o.save(run); err != nil {
		return err
	}

	years, err := o.selectYears(opts.Selection)
	if err != nil {
		return err
	}
	res.Years = years
	o.metrics.Years(len(years))

	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processYear(ctx, run, year, res, report); err != nil {
			return err
		}
	}

	entries, err := o.index(run)
	if err != nil {
		return err
	}

	switch {
	case opts.SkipUpload:
		o.record(run, nil, StageUpload, ActionSkipped, "skip-upload requested")
		return nil
	case o.uploader == nil:
		o.record(run, nil, StageUpload, ActionSkipped, "no upload target configured")
		return nil
	}
	plan, err := o.upload(ctx, run, entries)
	res.Upload = plan
	return err
}

// fetch updates the source checkout. Failure is not fatal: the run goes on
// with whatever files are already on disk.
func (o *Orchestrator) fetch(ctx context.Context, run *pipeline.PipelineRun, res *RunResult) {
	rev, err := o.source.Fetch(ctx)
	if err != nil {
		o.record(run, nil, StageFetch, ActionFailed, err.Error())
		if run.Fetch != nil {
			res.Revision = run.Fetch.Revision
		}
		return
	}
	o.record(run, nil, StageFetch, ActionRan, rev)
	run.Fetch = &pipeline.FetchRecord{CompletedAt: o.now(), Revision: rev}
	res.Revision = rev
}

func (o *Orchestrator) selectYears(sel source.Selection) ([]int, error) {
	dir := o.source.DataDir()
	all, err := source.ListYears(dir)
	if err != nil {
		return nil, fmt.Errorf("list years: %w", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no input files in %s", dir)
	}
	years := sel.Apply(all)
	if len(years) == 0 {
		return nil, fmt.Errorf("no input files match %s", sel)
	}
	return years, nil
}

func (o *Orchestrator) save(run *pipeline.PipelineRun) error {
	return pipeline.SaveState(run, o.paths.Checkpoint)
}

// record logs one stage transition and mirrors it to metrics and the
// events database.
func (o *Orchestrator) record(run *pipeline.PipelineRun, year *int, stage, action, detail string) {
	entry := o.log.WithFields(logrus.Fields{"stage": stage, "action": action})
	if year != nil {
		entry = entry.WithField("year", *year)
	}
	if detail != "" {
		entry = entry.WithField("detail", detail)
	}
	if action == ActionFailed {
		entry.Warn("stage " + action)
	} else {
		entry.Info("stage " + action)
	}

	o.metrics.Stage(stage, action)
	if o.events != nil {
		if err := o.events.LogStageEvent(run.RunID, year, stage, action, detail); err != nil {
			o.log.WithError(err).Warn("record stage event")
		}
	}
}

// combine joins a secondary failure onto the primary one.
func combine(primary, secondary error) error {
	if primary == nil {
		return secondary
	}
	return multierror.Append(primary, secondary)
}
