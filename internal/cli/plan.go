package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/chronotiles/internal/manifest"
	"github.com/lucasnoah/chronotiles/internal/orchestrator"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
	"github.com/lucasnoah/chronotiles/internal/source"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which prepared archives the next upload would push",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		run, err := pipeline.ReadState(cfg.Paths.Checkpoint)
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "No checkpoint; nothing prepared yet.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}

		entries, err := orchestrator.Entries(run, cfg.Paths.Dist)
		if err != nil {
			return err
		}
		prev, err := manifest.Load(cfg.Paths.Manifest)
		if err != nil {
			return err
		}
		plan := manifest.Plan(prev, entries)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, plan)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACTION\tYEAR\tFILE\tSIZE")
		for _, e := range plan.ToUpload {
			fmt.Fprintf(w, "upload\t%s\t%s\t%d\n", source.YearLabel(e.Year), e.Filename, e.Size)
		}
		for _, e := range plan.ToSkip {
			fmt.Fprintf(w, "skip\t%s\t%s\t%d\n", source.YearLabel(e.Year), e.Filename, e.Size)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d to upload, %d unchanged\n", len(plan.ToUpload), len(plan.ToSkip))
		return nil
	},
}

func init() {
	planCmd.Flags().String("format", "text", "Output format: text or json")
}
