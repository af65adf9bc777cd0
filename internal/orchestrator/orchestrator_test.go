package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/chronotiles/internal/lock"
	"github.com/lucasnoah/chronotiles/internal/manifest"
	"github.com/lucasnoah/chronotiles/internal/merge"
	"github.com/lucasnoah/chronotiles/internal/metrics"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
	"github.com/lucasnoah/chronotiles/internal/source"
	"github.com/lucasnoah/chronotiles/internal/upload"
	"github.com/lucasnoah/chronotiles/internal/validate"
)

var archiveRe = regexp.MustCompile(`^world_\d+\.[0-9a-f]{8}\.pmtiles$`)

// --- fakes ---

type fakeGit struct {
	rev   string
	err   error
	calls [][]string
}

func (g *fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	g.calls = append(g.calls, args)
	if g.err != nil {
		return "", g.err
	}
	return g.rev, nil
}

// fakeConverter writes an archive whose bytes depend on the polygons file.
type fakeConverter struct {
	calls []string
	err   error
}

func (c *fakeConverter) Convert(_ context.Context, polygons, labels, output string) error {
	c.calls = append(c.calls, output)
	if c.err != nil {
		return c.err
	}
	data, err := os.ReadFile(polygons)
	if err != nil {
		return err
	}
	if _, err := os.Stat(labels); err != nil {
		return err
	}
	return os.WriteFile(output, append([]byte("PMTiles"), data...), 0o644)
}

type fakeUploader struct {
	keys []string
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, localPath, key string) error {
	if u.err != nil {
		return u.err
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	u.keys = append(u.keys, key)
	return nil
}

type event struct {
	year   *int
	stage  string
	action string
}

type fakeEvents struct {
	events []event
}

func (f *fakeEvents) LogStageEvent(_ string, year *int, stage, action, _ string) error {
	f.events = append(f.events, event{year: year, stage: stage, action: action})
	return nil
}

// --- harness ---

type testEnv struct {
	t       *testing.T
	repoDir string
	lockDir string
	paths   Paths
	git     *fakeGit
	conv    *fakeConverter
	up      *fakeUploader
	events  *fakeEvents
	metrics *metrics.Metrics
}

func setupTest(t *testing.T, years ...int) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		t:       t,
		repoDir: filepath.Join(root, "repo"),
		lockDir: filepath.Join(root, "state", "lock"),
		paths: Paths{
			Work:       filepath.Join(root, "work"),
			Dist:       filepath.Join(root, "dist"),
			Checkpoint: filepath.Join(root, "state", "state.json"),
			Manifest:   filepath.Join(root, "state", "manifest.json"),
		},
		git:  &fakeGit{rev: "abc123"},
		conv: &fakeConverter{},
	}
	for _, y := range years {
		env.writeYear(y, territory(y, 0))
	}
	return env
}

func (e *testEnv) orchestrator() *Orchestrator {
	var up upload.Uploader
	if e.up != nil {
		up = e.up
	}
	var events EventLog
	if e.events != nil {
		events = e.events
	}
	return New(Deps{
		Source:    source.NewRepo(e.git, e.repoDir, "geojson", "", ""),
		Lock:      lock.New(e.lockDir),
		Converter: e.conv,
		Uploader:  up,
		Validator: validate.New("NAME"),
		Merge:     merge.Options{NameProperty: "NAME"},
		Events:    events,
		Metrics:   e.metrics,
		Paths:     e.paths,
	})
}

func (e *testEnv) run(opts Opts) (*RunResult, error) {
	return e.orchestrator().Run(context.Background(), opts)
}

func (e *testEnv) writeYear(year int, content string) {
	e.t.Helper()
	path := filepath.Join(e.repoDir, "geojson", source.YearFilename(year))
	require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *testEnv) checkpoint() *pipeline.PipelineRun {
	e.t.Helper()
	run, err := pipeline.ReadState(e.paths.Checkpoint)
	require.NoError(e.t, err)
	return run
}

func (e *testEnv) archives() []string {
	e.t.Helper()
	matches, err := filepath.Glob(filepath.Join(e.paths.Dist, "*.pmtiles"))
	require.NoError(e.t, err)
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	sort.Strings(names)
	return names
}

func territory(year, offset int) string {
	x := offset
	return fmt.Sprintf(`{"type":"FeatureCollection","features":[{"type":"Feature",`+
		`"properties":{"NAME":"Territory_%d"},`+
		`"geometry":{"type":"Polygon","coordinates":[[[%d,0],[%d,0],[%d,10],[%d,10],[%d,0]]]}}]}`,
		year, x, x+10, x+10, x, x)
}

// --- tests ---

func TestRun_EndToEnd(t *testing.T) {
	env := setupTest(t, 1600, 1650, 1700)
	env.metrics = metrics.New()
	env.paths.Metrics = filepath.Join(t.TempDir(), "chronotiles.prom")

	res, err := env.run(Opts{})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, res.Status)
	assert.Equal(t, []int{1600, 1650, 1700}, res.Years)
	assert.Equal(t, 12, res.Ran)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, "abc123", res.Revision)

	names := env.archives()
	require.Len(t, names, 3)
	for i, y := range []int{1600, 1650, 1700} {
		assert.Regexp(t, archiveRe, names[i])
		assert.Contains(t, names[i], fmt.Sprintf("world_%d.", y))
	}

	var report validate.Report
	require.NoError(t, pipeline.ReadJSON(filepath.Join(env.paths.Work, ReportFile), &report))
	assert.Equal(t, 3, report.Years)
	assert.Equal(t, 3, report.TotalFeatures)
	assert.Equal(t, 0, report.TotalErrors)

	cp := env.checkpoint()
	assert.Equal(t, pipeline.StatusCompleted, cp.Status)
	require.NotNil(t, cp.CompletedAt)
	require.NotNil(t, cp.Fetch)
	assert.Equal(t, "abc123", cp.Fetch.Revision)
	require.Len(t, cp.Years, 3)
	for _, y := range []int{1600, 1650, 1700} {
		ys := cp.Year(y)
		require.NotNil(t, ys, "year %d", y)
		require.NotNil(t, ys.Merge)
		require.NotNil(t, ys.Validate)
		require.NotNil(t, ys.Convert)
		require.NotNil(t, ys.Prepare)
		assert.Nil(t, ys.Upload)
		assert.Equal(t, 1, ys.Merge.FeatureCount)
		assert.Equal(t, 1, ys.Merge.LabelCount)
		assert.Regexp(t, archiveRe, ys.Prepare.Filename)
		assert.Equal(t, ys.Convert.Hash, ys.Prepare.Hash)
	}

	var cat Catalog
	require.NoError(t, pipeline.ReadJSON(filepath.Join(env.paths.Dist, YearsFile), &cat))
	assert.Equal(t, []int{1600, 1650, 1700}, cat.Years)
	assert.Equal(t, cp.Year(1650).Prepare.Filename, cat.Files["1650"])

	assert.NoDirExists(t, env.lockDir)
	assert.NoFileExists(t, env.paths.Manifest, "manifest is only persisted after an upload")

	prom, err := os.ReadFile(env.paths.Metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `chronotiles_stage_total{action="ran",stage="merge"} 3`)
	assert.Contains(t, string(prom), "chronotiles_last_success_timestamp_seconds")
}

func TestRun_SecondRunSkipsEverything(t *testing.T) {
	env := setupTest(t, 1600, 1650, 1700)
	first, err := env.run(Opts{})
	require.NoError(t, err)

	second, err := env.run(Opts{})
	require.NoError(t, err)
	assert.False(t, second.Resumed)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 0, second.Ran)
	assert.Equal(t, 12, second.Skipped)
	assert.Len(t, env.conv.calls, 3)
	assert.Len(t, env.checkpoint().Years, 3)
}

func TestRun_SourceChangeInvalidatesYear(t *testing.T) {
	env := setupTest(t, 1600, 1650, 1700)
	_, err := env.run(Opts{})
	require.NoError(t, err)
	before := env.checkpoint().Year(1650).Prepare.Filename

	env.writeYear(1650, territory(1650, 5))
	res, err := env.run(Opts{})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Ran)
	assert.Equal(t, 8, res.Skipped)
	assert.Len(t, env.conv.calls, 4)

	after := env.checkpoint().Year(1650).Prepare.Filename
	assert.NotEqual(t, before, after)
	assert.NoFileExists(t, filepath.Join(env.paths.Dist, before))
	assert.FileExists(t, filepath.Join(env.paths.Dist, after))
	assert.Len(t, env.archives(), 3)
}

func TestRun_MissingArchiveRerunsPrepareOnly(t *testing.T) {
	env := setupTest(t, 1600)
	_, err := env.run(Opts{})
	require.NoError(t, err)
	name := env.checkpoint().Year(1600).Prepare.Filename
	require.NoError(t, os.Remove(filepath.Join(env.paths.Dist, name)))

	res, err := env.run(Opts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ran)
	assert.Len(t, env.conv.calls, 1)
	assert.FileExists(t, filepath.Join(env.paths.Dist, name))
}

func TestRun_MissingWorkFilesIgnoredWhenPublished(t *testing.T) {
	env := setupTest(t, 1600)
	_, err := env.run(Opts{})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(env.paths.Work))

	res, err := env.run(Opts{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Ran)
}

func TestRun_ValidationFailureAborts(t *testing.T) {
	env := setupTest(t, 1600, 1650, 1700)
	env.writeYear(1650, `{"type":"FeatureCollection","features":[`+
		`{"type":"Feature","properties":{"NAME":"Outpost"},"geometry":{"type":"Point","coordinates":[1,2]}}]}`)

	res, err := env.run(Opts{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)

	var vf *ValidationFailure
	require.True(t, errors.As(err, &vf))
	assert.Equal(t, 1650, vf.Year)
	require.Len(t, vf.Errors, 1)
	assert.Equal(t, validate.CodeInvalidGeometryType, vf.Errors[0].Code)
	assert.Equal(t, pipeline.StatusFailed, res.Status)

	cp := env.checkpoint()
	assert.Equal(t, pipeline.StatusFailed, cp.Status)
	require.NotNil(t, cp.Year(1600).Prepare)
	require.NotNil(t, cp.Year(1650).Merge)
	assert.Nil(t, cp.Year(1650).Validate)
	assert.Nil(t, cp.Year(1700), "run stops at the first failing year")

	var report validate.Report
	require.NoError(t, pipeline.ReadJSON(filepath.Join(env.paths.Work, ReportFile), &report))
	assert.Equal(t, 1, report.TotalErrors)
	assert.NoDirExists(t, env.lockDir)
}

func TestRun_EmptyCollectionFailsValidation(t *testing.T) {
	env := setupTest(t, 1600)
	env.writeYear(1600, `{"type":"FeatureCollection","features":[]}`)

	_, err := env.run(Opts{})
	var vf *ValidationFailure
	require.True(t, errors.As(err, &vf))
	assert.Equal(t, validate.CodeEmptyCollection, vf.Errors[0].Code)
}

func TestRun_RepairsInvalidGeometry(t *testing.T) {
	env := setupTest(t, 1600)
	env.writeYear(1600, `{"type":"FeatureCollection","features":[{"type":"Feature",`+
		`"properties":{"NAME":"Bowtie"},`+
		`"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,10],[10,0],[0,10],[0,0]]]}}]}`)

	res, err := env.run(Opts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Report.TotalRepairs)
	assert.Equal(t, 0, res.Report.TotalErrors)
	assert.Equal(t, 1, env.checkpoint().Year(1600).Validate.RepairCount)
}

func TestRun_ConvertFailureAborts(t *testing.T) {
	env := setupTest(t, 1600, 1650)
	env.conv.err = errors.New("tippecanoe: not found")

	res, err := env.run(Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "convert 1600")
	assert.Equal(t, pipeline.StatusFailed, res.Status)

	ys := env.checkpoint().Year(1600)
	require.NotNil(t, ys.Validate)
	assert.Nil(t, ys.Convert)
	assert.NoDirExists(t, env.lockDir)
}

func TestRun_LockHeld(t *testing.T) {
	env := setupTest(t, 1600)
	holder := lock.New(env.lockDir)
	ok, err := holder.Acquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Release()

	_, err = env.run(Opts{})
	assert.ErrorIs(t, err, lock.ErrLockHeld)
	assert.NoFileExists(t, env.paths.Checkpoint)
	assert.DirExists(t, env.lockDir, "a refused run must not release the holder's lock")
}

func TestRun_DryRunMutatesNothing(t *testing.T) {
	env := setupTest(t, 1600, 1650)

	res, err := env.run(Opts{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	require.Len(t, res.Plan, 2)
	for _, p := range res.Plan {
		assert.Equal(t, YearStages, p.Stages)
	}
	assert.NoFileExists(t, env.paths.Checkpoint)
	assert.NoDirExists(t, env.paths.Dist)
	assert.NoDirExists(t, env.paths.Work)
	assert.Empty(t, env.git.calls)
	assert.NoDirExists(t, env.lockDir)

	_, err = env.run(Opts{})
	require.NoError(t, err)
	env.writeYear(1650, territory(1650, 3))

	res, err = env.run(Opts{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, res.Plan[0].Stages)
	assert.Equal(t, YearStages, res.Plan[1].Stages)
}

func TestRun_SelectionLimitsYears(t *testing.T) {
	env := setupTest(t, 1600, 1650, 1700)

	res, err := env.run(Opts{Selection: source.Single(1650)})
	require.NoError(t, err)
	assert.Equal(t, []int{1650}, res.Years)
	assert.Len(t, env.checkpoint().Years, 1)

	res, err = env.run(Opts{Selection: source.Range(1600, 1650)})
	require.NoError(t, err)
	assert.Equal(t, []int{1600, 1650}, res.Years)
	assert.Equal(t, 4, res.Ran)

	_, err = env.run(Opts{Selection: source.Single(1800)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input files match")
}

func TestRun_BCEYears(t *testing.T) {
	env := setupTest(t, -500, 100)

	res, err := env.run(Opts{})
	require.NoError(t, err)
	assert.Equal(t, []int{-500, 100}, res.Years)
	assert.Regexp(t, `^world_bc500\.[0-9a-f]{8}\.pmtiles$`, env.checkpoint().Year(-500).Prepare.Filename)
}

func TestRun_ResumesRunningCheckpoint(t *testing.T) {
	env := setupTest(t, 1600)
	prev := pipeline.CreateInitialState()
	prev.RunID = "interrupted-run"
	require.NoError(t, pipeline.SaveState(prev, env.paths.Checkpoint))

	res, err := env.run(Opts{})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "interrupted-run", res.RunID)
	assert.Equal(t, "interrupted-run", env.checkpoint().RunID)
}

func TestRun_RestartDiscardsCheckpoint(t *testing.T) {
	env := setupTest(t, 1600, 1650)
	_, err := env.run(Opts{})
	require.NoError(t, err)

	res, err := env.run(Opts{Restart: true})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Ran)
	assert.Len(t, env.conv.calls, 4)
}

func TestRun_CorruptCheckpointStartsFresh(t *testing.T) {
	env := setupTest(t, 1600)
	require.NoError(t, os.MkdirAll(filepath.Dir(env.paths.Checkpoint), 0o755))
	require.NoError(t, os.WriteFile(env.paths.Checkpoint, []byte("{not json"), 0o644))

	res, err := env.run(Opts{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Ran)
}

func TestRun_FetchFailureDegrades(t *testing.T) {
	env := setupTest(t, 1600)
	env.git.err = errors.New("network unreachable")

	res, err := env.run(Opts{})
	require.NoError(t, err)
	assert.Empty(t, res.Revision)
	assert.Equal(t, pipeline.StatusCompleted, res.Status)
}

func TestRun_FetchFailureKeepsPreviousRevision(t *testing.T) {
	env := setupTest(t, 1600)

	res, err := env.run(Opts{})
	require.NoError(t, err)
	require.Equal(t, "abc123", res.Revision)

	env.git.err = errors.New("network unreachable")
	res, err = env.run(Opts{})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Revision)

	cp := env.checkpoint()
	require.NotNil(t, cp.Fetch)
	assert.Equal(t, "abc123", cp.Fetch.Revision)
	assert.Equal(t, pipeline.StatusCompleted, cp.Status)
}

func TestRun_UploadPlan(t *testing.T) {
	env := setupTest(t, 1600, 1650, 1700)
	env.up = &fakeUploader{}

	res, err := env.run(Opts{})
	require.NoError(t, err)
	require.NotNil(t, res.Upload)
	assert.Len(t, res.Upload.ToUpload, 3)
	require.Len(t, env.up.keys, 5)
	for _, k := range env.up.keys[:3] {
		assert.Regexp(t, archiveRe, k)
	}
	assert.Equal(t, []string{YearsFile, manifest.Filename}, env.up.keys[3:])

	published, err := manifest.Load(env.paths.Manifest)
	require.NoError(t, err)
	assert.Equal(t, []int{1600, 1650, 1700}, published.Years())
	for _, y := range []int{1600, 1650, 1700} {
		up := env.checkpoint().Year(y).Upload
		require.NotNil(t, up)
		assert.False(t, up.Skipped)
	}

	env.up.keys = nil
	env.writeYear(1700, territory(1700, 20))
	res, err = env.run(Opts{})
	require.NoError(t, err)
	require.Len(t, res.Upload.ToUpload, 1)
	assert.Equal(t, 1700, res.Upload.ToUpload[0].Year)
	assert.Len(t, res.Upload.ToSkip, 2)
	assert.Len(t, env.up.keys, 3)
	assert.True(t, env.checkpoint().Year(1600).Upload.Skipped)
	assert.False(t, env.checkpoint().Year(1700).Upload.Skipped)
}

func TestRun_SkipUploadKeepsPublishedManifest(t *testing.T) {
	env := setupTest(t, 1600)
	env.up = &fakeUploader{}

	res, err := env.run(Opts{SkipUpload: true})
	require.NoError(t, err)
	assert.Nil(t, res.Upload)
	assert.Empty(t, env.up.keys)
	assert.NoFileExists(t, env.paths.Manifest)
	assert.FileExists(t, filepath.Join(env.paths.Dist, YearsFile))
}

func TestRun_UploadFailureAborts(t *testing.T) {
	env := setupTest(t, 1600)
	env.up = &fakeUploader{err: errors.New("403 forbidden")}

	res, err := env.run(Opts{})
	require.Error(t, err)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.NoFileExists(t, env.paths.Manifest)
	assert.Nil(t, env.checkpoint().Year(1600).Upload)
}

func TestRun_RecordsEvents(t *testing.T) {
	env := setupTest(t, 1600)
	env.events = &fakeEvents{}

	_, err := env.run(Opts{})
	require.NoError(t, err)

	var got []string
	for _, e := range env.events.events {
		label := e.stage + ":" + e.action
		if e.year != nil {
			label = fmt.Sprintf("%d:%s", *e.year, label)
		}
		got = append(got, label)
	}
	assert.Equal(t, []string{
		"fetch:ran",
		"1600:merge:ran",
		"1600:validate:ran",
		"1600:convert:ran",
		"1600:prepare:ran",
		"index:ran",
		"upload:skipped",
	}, got)
}

func TestPendingStages(t *testing.T) {
	run := pipeline.CreateInitialState()
	assert.Equal(t, YearStages, PendingStages(run, 1650, "h1"))

	run.UpdateYearState(1650, &pipeline.SourceRecord{Hash: "h1"})
	run.UpdateYearState(1650, &pipeline.MergeRecord{Hash: "m"})
	assert.Equal(t, []pipeline.Stage{pipeline.StageValidate, pipeline.StageConvert, pipeline.StagePrepare},
		PendingStages(run, 1650, "h1"))
	assert.Equal(t, YearStages, PendingStages(run, 1650, "h2"))
}

func TestArchiveName(t *testing.T) {
	digest := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	assert.Equal(t, "world_1650.01234567.pmtiles", ArchiveName(1650, digest))
	assert.Equal(t, "world_bc200.01234567.pmtiles", ArchiveName(-200, digest))
}

func TestValidationFailureMessage(t *testing.T) {
	err := &ValidationFailure{Year: 1650, Errors: []validate.Issue{{Code: validate.CodeEmptyCollection, Message: "no features"}}}
	assert.Equal(t, "validation failed for year 1650: 1 error(s): no features", err.Error())
	assert.True(t, errors.Is(err, ErrValidationFailed))
}
