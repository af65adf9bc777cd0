package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/chronotiles/internal/source"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent stage events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")
		summary, _ := cmd.Flags().GetBool("summary")

		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := d.RecentEvents(runID, limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if len(events) == 0 {
			if format == "json" {
				return writeJSON(cmd, []any{})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
			return nil
		}

		if summary {
			if runID == "" {
				runID = events[0].RunID
			}
			counts, err := d.CountByAction(runID)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, map[string]any{"run": runID, "actions": counts})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d ran, %d skipped, %d failed\n",
				runID, counts["ran"], counts["skipped"], counts["failed"])
			return nil
		}

		if format == "json" {
			return writeJSON(cmd, events)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tRUN\tYEAR\tSTAGE\tACTION\tDETAIL")
		for _, e := range events {
			year := "-"
			if e.Year != nil {
				year = source.YearLabel(*e.Year)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.RunID, year, e.Stage, e.Action, truncate(e.Detail, 60))
		}
		return w.Flush()
	},
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	historyCmd.Flags().String("run", "", "only show events of this run")
	historyCmd.Flags().Int("limit", 50, "maximum number of events")
	historyCmd.Flags().Bool("summary", false, "print per-action totals for the run instead of events")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
}

