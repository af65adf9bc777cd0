package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/chronotiles/internal/geo"
	"github.com/lucasnoah/chronotiles/internal/merge"
	"github.com/lucasnoah/chronotiles/internal/source"
	"github.com/lucasnoah/chronotiles/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file.geojson>",
	Short: "Merge and validate a single GeoJSON file",
	Long: `Runs the merge transform and the validation/repair chain on one file and
prints the report. Nothing is written unless --output is given, in which
case the merged and repaired polygons are saved there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		noMerge, _ := cmd.Flags().GetBool("no-merge")
		output, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")

		fc, err := geo.ReadCollection(args[0])
		if err != nil {
			return err
		}
		if !noMerge {
			fc = merge.Merge(fc, mergeOptions(cfg)).Polygons
		}

		res := validate.New(cfg.Merge.NameProperty).Validate(fc)
		year, _ := source.ParseYearFilename(filepath.Base(args[0]))
		report := validate.NewReport()
		report.Add(year, res)

		if output != "" && res.Passed {
			if _, err := geo.WriteCollection(output, fc); err != nil {
				return err
			}
		}

		if format == "json" {
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
		} else if err := report.Print(cmd.OutOrStdout()); err != nil {
			return err
		}
		if !res.Passed {
			return fmt.Errorf("%s: %d validation error(s)", args[0], len(res.Errors))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().Bool("no-merge", false, "validate features as-is without merging same-name groups")
	validateCmd.Flags().StringP("output", "o", "", "write the merged, repaired polygons to this path")
	validateCmd.Flags().String("format", "text", "Output format: text or json")
}
