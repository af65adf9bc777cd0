package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/chronotiles/internal/config"
	"github.com/lucasnoah/chronotiles/internal/convert"
	"github.com/lucasnoah/chronotiles/internal/db"
	"github.com/lucasnoah/chronotiles/internal/lock"
	"github.com/lucasnoah/chronotiles/internal/merge"
	"github.com/lucasnoah/chronotiles/internal/metrics"
	"github.com/lucasnoah/chronotiles/internal/orchestrator"
	"github.com/lucasnoah/chronotiles/internal/source"
	"github.com/lucasnoah/chronotiles/internal/upload"
	"github.com/lucasnoah/chronotiles/internal/validate"
)

// openDB opens and migrates the events database, returning it with a
// cleanup func.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	d, err := db.Open(cfg.Paths.Events)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func uploadConfig(cfg *config.Config) upload.Config {
	u := cfg.Upload
	return upload.Config{
		Endpoint:  u.Endpoint,
		AccessKey: u.AccessKey,
		SecretKey: u.SecretKey,
		Region:    u.Region,
		UseSSL:    u.SSL(),
		Bucket:    u.Bucket,
		Prefix:    u.Prefix,
		Retries:   u.Retries,
	}
}

func mergeOptions(cfg *config.Config) merge.Options {
	return merge.Options{NameProperty: cfg.Merge.NameProperty, RetainProperties: cfg.Merge.Retain}
}

func newRepo(cfg *config.Config) *source.Repo {
	return source.NewRepo(&source.ExecGit{}, cfg.Paths.SourceRepo, cfg.Paths.DataSubdir, cfg.Source.Remote, cfg.Source.Branch)
}

// newOrchestrator wires every collaborator from cfg. The object store is
// only built, and its bucket checked, when withUpload is set. A missing
// events database degrades to a warning.
// wiring selects the side-effecting collaborators newOrchestrator builds.
// A dry run wants neither.
type wiring struct {
	Events bool
	Upload bool
}

func newOrchestrator(ctx context.Context, cfg *config.Config, log *logrus.Logger, w wiring) (*orchestrator.Orchestrator, func(), error) {
	cleanup := func() {}

	var events orchestrator.EventLog
	if w.Events {
		if d, closeDB, err := openDB(cfg); err != nil {
			log.WithError(err).Warn("events database unavailable; history will not be recorded")
		} else {
			events = d
			cleanup = closeDB
		}
	}

	var up upload.Uploader
	if w.Upload && cfg.Upload.Enabled() {
		store, err := upload.NewObjectStore(uploadConfig(cfg))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("upload target: %w", err)
		}
		if err := store.CheckBucket(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("upload target: %w", err)
		}
		up = store
	}

	o := orchestrator.New(orchestrator.Deps{
		Source:    newRepo(cfg),
		Lock:      lock.New(cfg.Paths.Lock),
		Converter: convert.New(&convert.ExecRunner{}, cfg.Convert.Command, cfg.Convert.Args, cfg.ConvertTimeout()),
		Uploader:  up,
		Validator: validate.New(cfg.Merge.NameProperty),
		Merge:     mergeOptions(cfg),
		Events:    events,
		Metrics:   metrics.New(),
		Log:       log,
		Paths: orchestrator.Paths{
			Work:       cfg.Paths.Work,
			Dist:       cfg.Paths.Dist,
			Checkpoint: cfg.Paths.Checkpoint,
			Manifest:   cfg.Paths.Manifest,
			Metrics:    cfg.Paths.Metrics,
		},
	})
	return o, cleanup, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
