package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var placeholders = []string{"{output}", "{polygons}", "{labels}"}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if d, err := time.ParseDuration(cfg.Convert.Timeout); err != nil {
		errs = append(errs, ValidationError{
			Field:   "convert.timeout",
			Message: fmt.Sprintf("invalid duration %q", cfg.Convert.Timeout),
		})
	} else if d <= 0 {
		errs = append(errs, ValidationError{Field: "convert.timeout", Message: "must be positive"})
	}

	// A custom argument template must still reference every input.
	if len(cfg.Convert.Args) > 0 {
		joined := strings.Join(cfg.Convert.Args, " ")
		for _, ph := range placeholders {
			if !strings.Contains(joined, ph) {
				errs = append(errs, ValidationError{
					Field:   "convert.args",
					Message: fmt.Sprintf("missing placeholder %s", ph),
				})
			}
		}
	}

	if strings.TrimSpace(cfg.Merge.NameProperty) == "" {
		errs = append(errs, ValidationError{Field: "merge.name_property", Message: "is required"})
	}

	if filepath.IsAbs(cfg.Paths.DataSubdir) {
		errs = append(errs, ValidationError{
			Field:   "paths.data_subdir",
			Message: "must be relative to paths.source_repo",
		})
	}
	if filepath.Clean(cfg.Paths.Work) == filepath.Clean(cfg.Paths.Dist) {
		errs = append(errs, ValidationError{Field: "paths.dist", Message: "must differ from paths.work"})
	}

	u := cfg.Upload
	if u.Enabled() {
		if strings.Contains(u.Endpoint, "://") {
			errs = append(errs, ValidationError{
				Field:   "upload.endpoint",
				Message: fmt.Sprintf("must not include scheme: %q", u.Endpoint),
			})
		}
		if u.Bucket == "" {
			errs = append(errs, ValidationError{Field: "upload.bucket", Message: "is required when upload.endpoint is set"})
		}
		if u.AccessKey == "" {
			errs = append(errs, ValidationError{Field: "upload.access_key", Message: "is required (or set " + EnvAccessKey + ")"})
		}
		if u.SecretKey == "" {
			errs = append(errs, ValidationError{Field: "upload.secret_key", Message: "is required (or set " + EnvSecretKey + ")"})
		}
	}
	if u.Retries < 0 {
		errs = append(errs, ValidationError{Field: "upload.retries", Message: "must not be negative"})
	}

	return errs
}
