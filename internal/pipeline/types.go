package pipeline

import (
	"time"
)

// SchemaVersion is the checkpoint document version written by this build.
const SchemaVersion = 1

// Stage names one step of the per-year pipeline.
type Stage string

const (
	StageSource   Stage = "source"
	StageMerge    Stage = "merge"
	StageValidate Stage = "validate"
	StageConvert  Stage = "convert"
	StagePrepare  Stage = "prepare"
	StageUpload   Stage = "upload"
)

// StageOrder is the fixed order of per-year stages. A stage record may only
// exist when every earlier stage has one too.
var StageOrder = []Stage{StageSource, StageMerge, StageValidate, StageConvert, StagePrepare, StageUpload}

// Index returns the position of s in StageOrder, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PipelineRun is the persisted checkpoint for one execution.
type PipelineRun struct {
	Version     int                   `json:"version"`
	RunID       string                `json:"runId"`
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt *time.Time            `json:"completedAt"`
	Status      Status                `json:"status"`
	Fetch       *FetchRecord          `json:"fetch,omitempty"`
	Years       map[string]*YearState `json:"years"`
}

// FetchRecord is the outcome of the whole-run acquisition stage.
type FetchRecord struct {
	CompletedAt time.Time `json:"completedAt"`
	Revision    string    `json:"revision"`
}

// YearState holds one optional record per stage for a single year.
type YearState struct {
	Source   *SourceRecord   `json:"source,omitempty"`
	Merge    *MergeRecord    `json:"merge,omitempty"`
	Validate *ValidateRecord `json:"validate,omitempty"`
	Convert  *ConvertRecord  `json:"convert,omitempty"`
	Prepare  *PrepareRecord  `json:"prepare,omitempty"`
	Upload   *UploadRecord   `json:"upload,omitempty"`
}

// StageRecord is implemented by every per-stage record type.
type StageRecord interface {
	Stage() Stage
}

type SourceRecord struct {
	Hash      string    `json:"hash"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type MergeRecord struct {
	Hash         string    `json:"hash"`
	FeatureCount int       `json:"featureCount"`
	LabelCount   int       `json:"labelCount"`
	CompletedAt  time.Time `json:"completedAt"`
}

type ValidateRecord struct {
	CompletedAt  time.Time `json:"completedAt"`
	WarningCount int       `json:"warningCount"`
	ErrorCount   int       `json:"errorCount"`
	RepairCount  int       `json:"repairCount"`
}

type ConvertRecord struct {
	Hash        string    `json:"hash"`
	CompletedAt time.Time `json:"completedAt"`
}

type PrepareRecord struct {
	Hash        string    `json:"hash"`
	Filename    string    `json:"filename"`
	CompletedAt time.Time `json:"completedAt"`
}

type UploadRecord struct {
	CompletedAt time.Time `json:"completedAt"`
	Skipped     bool      `json:"skipped"`
}

func (*SourceRecord) Stage() Stage   { return StageSource }
func (*MergeRecord) Stage() Stage    { return StageMerge }
func (*ValidateRecord) Stage() Stage { return StageValidate }
func (*ConvertRecord) Stage() Stage  { return StageConvert }
func (*PrepareRecord) Stage() Stage  { return StagePrepare }
func (*UploadRecord) Stage() Stage   { return StageUpload }

// Has reports whether the year carries a record for stage.
func (y *YearState) Has(stage Stage) bool {
	if y == nil {
		return false
	}
	switch stage {
	case StageSource:
		return y.Source != nil
	case StageMerge:
		return y.Merge != nil
	case StageValidate:
		return y.Validate != nil
	case StageConvert:
		return y.Convert != nil
	case StagePrepare:
		return y.Prepare != nil
	case StageUpload:
		return y.Upload != nil
	}
	return false
}

func (y *YearState) set(rec StageRecord) {
	switch r := rec.(type) {
	case *SourceRecord:
		y.Source = r
	case *MergeRecord:
		y.Merge = r
	case *ValidateRecord:
		y.Validate = r
	case *ConvertRecord:
		y.Convert = r
	case *PrepareRecord:
		y.Prepare = r
	case *UploadRecord:
		y.Upload = r
	}
}

func (y *YearState) clear(stage Stage) {
	switch stage {
	case StageSource:
		y.Source = nil
	case StageMerge:
		y.Merge = nil
	case StageValidate:
		y.Validate = nil
	case StageConvert:
		y.Convert = nil
	case StagePrepare:
		y.Prepare = nil
	case StageUpload:
		y.Upload = nil
	}
}
