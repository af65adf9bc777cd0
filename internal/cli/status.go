package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/chronotiles/internal/hash"
	"github.com/lucasnoah/chronotiles/internal/lock"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
	"github.com/lucasnoah/chronotiles/internal/source"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint and lock state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		holder, _ := lock.ReadInfo(cfg.Paths.Lock)

		run, err := pipeline.ReadState(cfg.Paths.Checkpoint)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read checkpoint: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, struct {
				Run  *pipeline.PipelineRun `json:"run"`
				Lock *lock.Info            `json:"lock"`
			}{run, holder})
		}

		w := cmd.OutOrStdout()
		if holder != nil {
			fmt.Fprintf(w, "Lock:     held by pid %d on %s since %s\n",
				holder.PID, holder.Hostname, holder.StartedAt.Format(time.RFC3339))
		} else {
			fmt.Fprintln(w, "Lock:     free")
		}
		if run == nil {
			fmt.Fprintf(w, "No checkpoint at %s.\n", cfg.Paths.Checkpoint)
			return nil
		}

		fmt.Fprintf(w, "Run:      %s\n", run.RunID)
		fmt.Fprintf(w, "Status:   %s\n", run.Status)
		fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
		if run.CompletedAt != nil {
			fmt.Fprintf(w, "Finished: %s\n", run.CompletedAt.Format(time.RFC3339))
		}
		if run.Fetch != nil && run.Fetch.Revision != "" {
			fmt.Fprintf(w, "Revision: %s\n", run.Fetch.Revision)
		}

		years := run.YearNumbers()
		if len(years) == 0 {
			fmt.Fprintln(w, "No years processed.")
			return nil
		}

		fmt.Fprintln(w)
		fmt.Fprintf(w, "%-8s %-10s %-10s %-10s %s\n", "YEAR", "SOURCE", "STAGE", "UPLOAD", "FILE")
		fmt.Fprintf(w, "%-8s %-10s %-10s %-10s %s\n",
			strings.Repeat("-", 8),
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 4))
		for _, y := range years {
			ys := run.Year(y)
			src := "-"
			if ys.Source != nil {
				src = hash.Short(ys.Source.Hash)
			}
			file := ""
			if ys.Prepare != nil {
				file = ys.Prepare.Filename
			}
			fmt.Fprintf(w, "%-8s %-10s %-10s %-10s %s\n",
				source.YearLabel(y), src, lastStage(ys), uploadState(ys), file)
		}
		return nil
	},
}

// lastStage names the furthest stage recorded for a year.
func lastStage(ys *pipeline.YearState) string {
	last := "-"
	for _, st := range pipeline.StageOrder {
		if st == pipeline.StageUpload {
			break
		}
		if ys.Has(st) {
			last = string(st)
		}
	}
	return last
}

func uploadState(ys *pipeline.YearState) string {
	switch {
	case ys.Upload == nil:
		return "-"
	case ys.Upload.Skipped:
		return "unchanged"
	default:
		return "uploaded"
	}
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
