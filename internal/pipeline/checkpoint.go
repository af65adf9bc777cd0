// Package pipeline holds the durable checkpoint of pipeline progress: which
// (year, stage) pairs completed, and with which input hash.
package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// NewRunID returns a timestamp plus a random suffix, unique per process start.
func NewRunID() string {
	return now().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// CreateInitialState returns a fresh running checkpoint with no years.
func CreateInitialState() *PipelineRun {
	return &PipelineRun{
		Version:   SchemaVersion,
		RunID:     NewRunID(),
		StartedAt: now(),
		Status:    StatusRunning,
		Years:     map[string]*YearState{},
	}
}

// SaveState writes run to path atomically.
func SaveState(run *PipelineRun, path string) error {
	if err := WriteJSON(path, run); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ReadState reads the checkpoint at path, reporting why it could not.
func ReadState(path string) (*PipelineRun, error) {
	var run PipelineRun
	if err := ReadJSON(path, &run); err != nil {
		return nil, err
	}
	if run.Years == nil {
		run.Years = map[string]*YearState{}
	}
	for k, ys := range run.Years {
		if ys == nil {
			delete(run.Years, k)
		}
	}
	return &run, nil
}

// LoadState returns the checkpoint at path, or nil when it is missing or
// unreadable. Callers treat nil as "no prior state".
func LoadState(path string) *PipelineRun {
	run, err := ReadState(path)
	if err != nil {
		return nil
	}
	return run
}

// YearKey is the map key used for year in the checkpoint document.
func YearKey(year int) string {
	return strconv.Itoa(year)
}

// Year returns the state for year, or nil.
func (r *PipelineRun) Year(year int) *YearState {
	return r.Years[YearKey(year)]
}

// YearNumbers returns the years present in the checkpoint, ascending.
// Keys that are not integers, and years without state, are ignored.
func (r *PipelineRun) YearNumbers() []int {
	years := make([]int, 0, len(r.Years))
	for k, ys := range r.Years {
		if ys == nil {
			continue
		}
		y, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// ShouldProcessYear is the incremental gate: it reports whether stage must
// run for year given the current source hash.
func (r *PipelineRun) ShouldProcessYear(year int, stage Stage, sourceHash string) bool {
	ys := r.Year(year)
	if ys == nil || ys.Source == nil {
		return true
	}
	if ys.Source.Hash != sourceHash {
		return true
	}
	return !ys.Has(stage)
}

// UpdateYearState upserts rec for year. A source record creates the year's
// entry; any other record is dropped unless every earlier stage is already
// recorded. It reports whether the record was stored.
func (r *PipelineRun) UpdateYearState(year int, rec StageRecord) bool {
	if r.Years == nil {
		r.Years = map[string]*YearState{}
	}
	key := YearKey(year)
	ys := r.Years[key]
	if ys == nil {
		if rec.Stage() != StageSource {
			return false
		}
		ys = &YearState{}
		r.Years[key] = ys
	}
	idx := rec.Stage().Index()
	if idx < 0 {
		return false
	}
	for _, prev := range StageOrder[:idx] {
		if !ys.Has(prev) {
			return false
		}
	}
	ys.set(rec)
	return true
}

// InvalidateDownstream deletes every record after from for year only.
func (r *PipelineRun) InvalidateDownstream(year int, from Stage) {
	ys := r.Year(year)
	if ys == nil {
		return
	}
	idx := from.Index()
	if idx < 0 {
		return
	}
	for _, st := range StageOrder[idx+1:] {
		ys.clear(st)
	}
}

// Finish marks the run terminal.
func (r *PipelineRun) Finish(status Status) {
	t := now()
	r.Status = status
	r.CompletedAt = &t
}

// Resumable reports whether the checkpoint belongs to an unfinished run.
func (r *PipelineRun) Resumable() bool {
	return r != nil && r.Status == StatusRunning
}

// Successor starts a new run that inherits the per-year ledger and the last
// fetch of a finished run. Year records are keyed by content hash, so they
// stay valid across runs.
func (r *PipelineRun) Successor() *PipelineRun {
	next := CreateInitialState()
	if r == nil {
		return next
	}
	if r.Fetch != nil {
		f := *r.Fetch
		next.Fetch = &f
	}
	for k, ys := range r.Years {
		if ys == nil {
			continue
		}
		cp := *ys
		next.Years[k] = &cp
	}
	return next
}
