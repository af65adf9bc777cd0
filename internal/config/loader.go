package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the upload credentials and endpoint.
const (
	EnvAccessKey = "CHRONOTILES_S3_ACCESS_KEY"
	EnvSecretKey = "CHRONOTILES_S3_SECRET_KEY"
	EnvEndpoint  = "CHRONOTILES_S3_ENDPOINT"
)

// Defaults.
const (
	DefaultNameProperty = "NAME"
	DefaultTimeout      = "10m"
	DefaultRetries      = 3
	stateDir            = ".chronotiles"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./chronotiles.yaml, ~/.chronotiles/config.yaml.
// When neither exists the built-in defaults are returned.
func LoadDefault() (*Config, string, error) {
	for _, path := range Candidates() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// Candidates lists the paths LoadDefault searches.
func Candidates() []string {
	candidates := []string{"chronotiles.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, stateDir, "config.yaml"))
	}
	return candidates
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAccessKey); v != "" {
		cfg.Upload.AccessKey = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		cfg.Upload.SecretKey = v
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Upload.Endpoint = v
	}
}

func applyDefaults(cfg *Config) {
	p := &cfg.Paths
	setDefault(&p.SourceRepo, filepath.Join("data", "historical-basemaps"))
	setDefault(&p.DataSubdir, "geojson")
	setDefault(&p.Work, filepath.Join("data", "work"))
	setDefault(&p.Dist, filepath.Join("data", "dist"))
	setDefault(&p.Checkpoint, filepath.Join(stateDir, "state.json"))
	setDefault(&p.Lock, filepath.Join(stateDir, "lock"))
	setDefault(&p.Manifest, filepath.Join(stateDir, "manifest.json"))
	setDefault(&p.Events, filepath.Join(stateDir, "events.db"))

	setDefault(&cfg.Merge.NameProperty, DefaultNameProperty)
	setDefault(&cfg.Convert.Timeout, DefaultTimeout)

	if cfg.Upload.Retries == 0 {
		cfg.Upload.Retries = DefaultRetries
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// ConvertTimeout parses convert.timeout. Callers should Validate first.
func (c *Config) ConvertTimeout() time.Duration {
	d, err := time.ParseDuration(c.Convert.Timeout)
	if err != nil {
		return 0
	}
	return d
}
