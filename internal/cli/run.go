package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/chronotiles/internal/orchestrator"
	"github.com/lucasnoah/chronotiles/internal/pipeline"
	"github.com/lucasnoah/chronotiles/internal/source"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for all or selected years",
	Long: `Fetches the source repository, then brings every selected year up to date
through merge, validate, convert and prepare, builds years.json and uploads
changed archives.

Stages whose input hash is unchanged since the last run are skipped.
Exit status is 2 when another run holds the lock.`,
	Example: `  chronotiles run
  chronotiles run --year 1650
  chronotiles run --from -500 --to 1000 --skip-upload
  chronotiles run --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selectionFromFlags(cmd)
		if err != nil {
			return err
		}
		restart, _ := cmd.Flags().GetBool("restart")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		skipUpload, _ := cmd.Flags().GetBool("skip-upload")
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		log := newLogger(cmd)
		orch, cleanup, err := newOrchestrator(cmd.Context(), cfg, log, wiring{
			Events: !dryRun,
			Upload: !dryRun && !skipUpload,
		})
		if err != nil {
			return err
		}
		defer cleanup()

		res, runErr := orch.Run(cmd.Context(), orchestrator.Opts{
			Selection:  sel,
			Restart:    restart,
			DryRun:     dryRun,
			SkipUpload: skipUpload,
		})
		if res == nil {
			return runErr
		}

		if format == "json" {
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
			return runErr
		}

		w := cmd.OutOrStdout()
		if res.DryRun {
			if err := printPlan(cmd, res.Plan); err != nil {
				return err
			}
			return runErr
		}
		if res.Report != nil && res.Report.Years > 0 {
			if err := res.Report.Print(w); err != nil {
				return err
			}
		}
		if res.Upload != nil {
			fmt.Fprintf(w, "Upload: %d uploaded, %d unchanged\n", len(res.Upload.ToUpload), len(res.Upload.ToSkip))
		}
		fmt.Fprintf(w, "Run %s %s: %d stages ran, %d skipped\n", res.RunID, res.Status, res.Ran, res.Skipped)
		return runErr
	},
}

// selectionFromFlags reads --year or --from/--to.
func selectionFromFlags(cmd *cobra.Command) (source.Selection, error) {
	flags := cmd.Flags()
	switch {
	case flags.Changed("year"):
		y, _ := flags.GetInt("year")
		return source.Single(y), nil
	case flags.Changed("from") || flags.Changed("to"):
		if !flags.Changed("from") || !flags.Changed("to") {
			return source.Selection{}, fmt.Errorf("--from and --to must be used together")
		}
		from, _ := flags.GetInt("from")
		to, _ := flags.GetInt("to")
		sel := source.Range(from, to)
		return sel, sel.Validate()
	}
	return source.Selection{}, nil
}

func printPlan(cmd *cobra.Command, plans []orchestrator.YearPlan) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "YEAR\tSTAGES")
	todo := 0
	for _, p := range plans {
		stages := strings.Join(stageNames(p.Stages), ", ")
		if stages == "" {
			stages = "up to date"
		} else {
			todo++
		}
		fmt.Fprintf(w, "%s\t%s\n", source.YearLabel(p.Year), stages)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d of %d years need work\n", todo, len(plans))
	return nil
}

func stageNames(stages []pipeline.Stage) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	return names
}

func init() {
	runCmd.Flags().Int("year", 0, "process a single year (negative for BCE)")
	runCmd.Flags().Int("from", 0, "first year of an inclusive range")
	runCmd.Flags().Int("to", 0, "last year of an inclusive range")
	runCmd.Flags().Bool("restart", false, "discard the checkpoint and reprocess everything")
	runCmd.Flags().Bool("dry-run", false, "report the stages that would run without changing anything")
	runCmd.Flags().Bool("skip-upload", false, "build everything but do not upload")
	runCmd.Flags().String("format", "text", "Output format: text or json")
	runCmd.MarkFlagsMutuallyExclusive("year", "from")
	runCmd.MarkFlagsMutuallyExclusive("year", "to")
}
