package validate

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
)

// YearSummary is one year's line in a Report.
type YearSummary struct {
	Year     int      `json:"year"`
	Passed   bool     `json:"passed"`
	Features int      `json:"features"`
	Errors   []Issue  `json:"errors"`
	Warnings []Issue  `json:"warnings"`
	Repairs  []Repair `json:"repairs"`
}

// Report aggregates validation results across years.
type Report struct {
	Years         int            `json:"years"`
	TotalFeatures int            `json:"totalFeatures"`
	TotalErrors   int            `json:"totalErrors"`
	TotalWarnings int            `json:"totalWarnings"`
	TotalRepairs  int            `json:"totalRepairs"`
	ByTechnique   map[string]int `json:"repairsByTechnique"`
	PerYear       []YearSummary  `json:"perYear"`
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{ByTechnique: map[string]int{}, PerYear: []YearSummary{}}
}

// Add folds one year's result into the report.
func (r *Report) Add(year int, res *Result) {
	r.Years++
	r.TotalFeatures += res.FeatureCount
	r.TotalErrors += len(res.Errors)
	r.TotalWarnings += len(res.Warnings)
	r.TotalRepairs += len(res.Repairs)
	for _, rep := range res.Repairs {
		r.ByTechnique[rep.Technique]++
	}
	r.PerYear = append(r.PerYear, YearSummary{
		Year:     year,
		Passed:   res.Passed,
		Features: res.FeatureCount,
		Errors:   res.Errors,
		Warnings: res.Warnings,
		Repairs:  res.Repairs,
	})
}

// Print writes a human-readable summary to w.
func (r *Report) Print(w io.Writer) error {
	fmt.Fprintf(w, "Validation: %d years, %d features, %d errors, %d warnings, %d repairs\n",
		r.Years, r.TotalFeatures, r.TotalErrors, r.TotalWarnings, r.TotalRepairs)
	if len(r.ByTechnique) > 0 {
		techniques := make([]string, 0, len(r.ByTechnique))
		for k := range r.ByTechnique {
			techniques = append(techniques, k)
		}
		sort.Strings(techniques)
		for _, k := range techniques {
			fmt.Fprintf(w, "  %s: %d\n", k, r.ByTechnique[k])
		}
	}
	if len(r.PerYear) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "YEAR\tPASSED\tFEATURES\tERRORS\tWARNINGS\tREPAIRS")
	for _, y := range r.PerYear {
		fmt.Fprintf(tw, "%d\t%t\t%d\t%d\t%d\t%d\n",
			y.Year, y.Passed, y.Features, len(y.Errors), len(y.Warnings), len(y.Repairs))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, y := range r.PerYear {
		for _, e := range y.Errors {
			fmt.Fprintf(w, "  %d error %s [%d %s]: %s\n", y.Year, e.Code, e.Feature, e.Name, e.Message)
		}
	}
	return nil
}
