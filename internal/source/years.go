// Package source locates the yearly boundary files and keeps the upstream
// checkout that provides them up to date.
package source

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
)

// Labels are canonical: no leading zeros, and no "bc0".
var yearFileRe = regexp.MustCompile(`^world_(?:bc([1-9]\d*)|(0|[1-9]\d*))\.geojson$`)

// YearLabel encodes year the way filenames do: 1650 -> "1650",
// -500 -> "bc500".
func YearLabel(year int) string {
	if year < 0 {
		return "bc" + strconv.Itoa(-year)
	}
	return strconv.Itoa(year)
}

// YearFilename returns the input filename for year.
func YearFilename(year int) string {
	return "world_" + YearLabel(year) + ".geojson"
}

// ParseYearFilename extracts the year from an input filename.
func ParseYearFilename(name string) (int, bool) {
	m := yearFileRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return -n, true
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListYears returns every year with an input file in dir, ascending.
func ListYears(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir %s: %w", dir, err)
	}
	var years []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if y, ok := ParseYearFilename(e.Name()); ok {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years, nil
}

// Selection narrows the candidate years of a run. The zero value selects
// every year.
type Selection struct {
	Year *int
	From *int
	To   *int
}

// Single selects exactly one year.
func Single(year int) Selection {
	return Selection{Year: &year}
}

// Range selects years in [from, to].
func Range(from, to int) Selection {
	return Selection{From: &from, To: &to}
}

// Validate rejects contradictory selections.
func (s Selection) Validate() error {
	if s.Year != nil && (s.From != nil || s.To != nil) {
		return fmt.Errorf("select a single year or a range, not both")
	}
	if s.From != nil && s.To != nil && *s.From > *s.To {
		return fmt.Errorf("invalid range: %d > %d", *s.From, *s.To)
	}
	return nil
}

// Apply filters years, preserving their order.
func (s Selection) Apply(years []int) []int {
	out := make([]int, 0, len(years))
	for _, y := range years {
		if s.Year != nil && y != *s.Year {
			continue
		}
		if s.From != nil && y < *s.From {
			continue
		}
		if s.To != nil && y > *s.To {
			continue
		}
		out = append(out, y)
	}
	return out
}

// String describes the selection for logs.
func (s Selection) String() string {
	switch {
	case s.Year != nil:
		return "year " + strconv.Itoa(*s.Year)
	case s.From != nil && s.To != nil:
		return fmt.Sprintf("years %d..%d", *s.From, *s.To)
	case s.From != nil:
		return fmt.Sprintf("years from %d", *s.From)
	case s.To != nil:
		return fmt.Sprintf("years up to %d", *s.To)
	}
	return "all years"
}
