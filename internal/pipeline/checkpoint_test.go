package pipeline

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullYear(t *testing.T, run *PipelineRun, year int, srcHash string) {
	t.Helper()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recs := []StageRecord{
		&SourceRecord{Hash: srcHash, FetchedAt: ts},
		&MergeRecord{Hash: "m", FeatureCount: 3, LabelCount: 3, CompletedAt: ts},
		&ValidateRecord{CompletedAt: ts, WarningCount: 1},
		&ConvertRecord{Hash: "c", CompletedAt: ts},
		&PrepareRecord{Hash: "p", Filename: "world_1650.abcdef12.pmtiles", CompletedAt: ts},
		&UploadRecord{CompletedAt: ts},
	}
	for _, rec := range recs {
		require.True(t, run.UpdateYearState(year, rec), "store %s", rec.Stage())
	}
}

func TestCreateInitialState(t *testing.T) {
	run := CreateInitialState()
	assert.Equal(t, SchemaVersion, run.Version)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)
	assert.Empty(t, run.Years)
	assert.Regexp(t, regexp.MustCompile(`^\d{8}T\d{6}Z-[0-9a-f]{8}$`), run.RunID)
	assert.NotEqual(t, run.RunID, CreateInitialState().RunID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")
	run := CreateInitialState()
	run.Fetch = &FetchRecord{CompletedAt: now(), Revision: "abc123"}
	fullYear(t, run, 1650, "h1")
	fullYear(t, run, -500, "h2")

	require.NoError(t, SaveState(run, path))
	got := LoadState(path)
	require.NotNil(t, got)
	assert.Equal(t, run, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSaveOverwritesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	run := CreateInitialState()
	require.NoError(t, SaveState(run, path))

	run.Finish(StatusCompleted)
	require.NoError(t, SaveState(run, path))

	got := LoadState(path)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestLoadStateMissing(t *testing.T) {
	assert.Nil(t, LoadState(filepath.Join(t.TempDir(), "missing.json")))
}

func TestLoadStateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Nil(t, LoadState(path))

	_, err := ReadState(path)
	assert.Error(t, err)
}

func TestShouldProcessYear(t *testing.T) {
	run := CreateInitialState()

	assert.True(t, run.ShouldProcessYear(1650, StageMerge, "h1"), "unknown year")

	require.True(t, run.UpdateYearState(1650, &SourceRecord{Hash: "h1", FetchedAt: now()}))
	assert.False(t, run.ShouldProcessYear(1650, StageSource, "h1"))
	assert.True(t, run.ShouldProcessYear(1650, StageMerge, "h1"), "stage not recorded yet")

	require.True(t, run.UpdateYearState(1650, &MergeRecord{Hash: "m", CompletedAt: now()}))
	assert.False(t, run.ShouldProcessYear(1650, StageMerge, "h1"))
	assert.True(t, run.ShouldProcessYear(1650, StageMerge, "h2"), "source changed")
}

func TestSourceChangeReprocessesEveryStage(t *testing.T) {
	run := CreateInitialState()
	fullYear(t, run, 1650, "h1")
	for _, st := range StageOrder {
		assert.False(t, run.ShouldProcessYear(1650, st, "h1"), st)
	}

	run.InvalidateDownstream(1650, StageSource)
	require.True(t, run.UpdateYearState(1650, &SourceRecord{Hash: "h2", FetchedAt: now()}))
	for _, st := range StageOrder[1:] {
		assert.True(t, run.ShouldProcessYear(1650, st, "h2"), st)
	}
	assert.False(t, run.ShouldProcessYear(1650, StageSource, "h2"))
}

func TestInvalidateDownstream(t *testing.T) {
	run := CreateInitialState()
	fullYear(t, run, 1650, "h1")
	fullYear(t, run, 1700, "h1")

	run.InvalidateDownstream(1650, StageValidate)
	ys := run.Year(1650)
	assert.NotNil(t, ys.Source)
	assert.NotNil(t, ys.Merge)
	assert.NotNil(t, ys.Validate)
	assert.Nil(t, ys.Convert)
	assert.Nil(t, ys.Prepare)
	assert.Nil(t, ys.Upload)

	assert.NotNil(t, run.Year(1700).Upload, "other years untouched")

	run.InvalidateDownstream(1800, StageSource)
	assert.Nil(t, run.Year(1800))
}

func TestUpdateYearStateRequiresPredecessors(t *testing.T) {
	run := CreateInitialState()

	assert.False(t, run.UpdateYearState(1650, &MergeRecord{Hash: "m"}), "no entry for year")
	assert.Nil(t, run.Year(1650))

	require.True(t, run.UpdateYearState(1650, &SourceRecord{Hash: "h"}))
	assert.False(t, run.UpdateYearState(1650, &ConvertRecord{Hash: "c"}), "merge and validate missing")
	assert.Nil(t, run.Year(1650).Convert)
}

func TestUpdateYearStateUpserts(t *testing.T) {
	run := CreateInitialState()
	fullYear(t, run, 1650, "h1")

	require.True(t, run.UpdateYearState(1650, &MergeRecord{Hash: "m2", FeatureCount: 9}))
	assert.Equal(t, "m2", run.Year(1650).Merge.Hash)
	assert.Equal(t, 9, run.Year(1650).Merge.FeatureCount)
}

func TestYearNumbersSorted(t *testing.T) {
	run := CreateInitialState()
	for _, y := range []int{1700, -2000, 1650} {
		require.True(t, run.UpdateYearState(y, &SourceRecord{Hash: "h"}))
	}
	run.Years["garbage"] = &YearState{}
	assert.Equal(t, []int{-2000, 1650, 1700}, run.YearNumbers())
}

func TestSuccessorKeepsLedger(t *testing.T) {
	prev := CreateInitialState()
	fullYear(t, prev, 1650, "h1")
	prev.Finish(StatusCompleted)

	next := prev.Successor()
	assert.NotEqual(t, prev.RunID, next.RunID)
	assert.Equal(t, StatusRunning, next.Status)
	assert.Nil(t, next.CompletedAt)
	assert.False(t, next.ShouldProcessYear(1650, StageConvert, "h1"))

	next.InvalidateDownstream(1650, StageSource)
	assert.NotNil(t, prev.Year(1650).Merge, "predecessor ledger is not shared")
}

func TestSuccessorKeepsFetch(t *testing.T) {
	prev := CreateInitialState()
	prev.Fetch = &FetchRecord{CompletedAt: now(), Revision: "abc123"}
	prev.Finish(StatusCompleted)

	next := prev.Successor()
	require.NotNil(t, next.Fetch)
	assert.Equal(t, "abc123", next.Fetch.Revision)

	next.Fetch.Revision = "def456"
	assert.Equal(t, "abc123", prev.Fetch.Revision)
}

func TestNullYearEntriesAreDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	doc := `{"version":1,"runId":"r1","startedAt":"2024-01-01T00:00:00Z","completedAt":null,` +
		`"status":"completed","years":{"1650":null,"1700":{"source":{"hash":"h1","fetchedAt":"2024-01-01T00:00:00Z"}}}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	run, err := ReadState(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1700}, run.YearNumbers())
	assert.Nil(t, run.Year(1650))

	next := run.Successor()
	assert.Equal(t, []int{1700}, next.YearNumbers())
	assert.True(t, next.ShouldProcessYear(1650, StageMerge, "h1"))

	inMemory := CreateInitialState()
	inMemory.Years["1800"] = nil
	assert.Empty(t, inMemory.YearNumbers())
	assert.Empty(t, inMemory.Successor().Years)
}

func TestResumable(t *testing.T) {
	var none *PipelineRun
	assert.False(t, none.Resumable())

	run := CreateInitialState()
	assert.True(t, run.Resumable())
	run.Finish(StatusFailed)
	assert.False(t, run.Resumable())
}

func TestCopyAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	dst := filepath.Join(dir, "out", "b.bin")
	require.NoError(t, os.WriteFile(src, []byte("tiles"), 0o600))

	require.NoError(t, CopyAtomic(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "tiles", string(data))

	assert.Error(t, CopyAtomic(filepath.Join(dir, "missing"), dst))
}
