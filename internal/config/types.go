package config

// Config is the top-level configuration structure parsed from chronotiles.yaml.
type Config struct {
	Paths   Paths   `yaml:"paths"`
	Source  Source  `yaml:"source"`
	Merge   Merge   `yaml:"merge"`
	Convert Convert `yaml:"convert"`
	Upload  Upload  `yaml:"upload"`
}

// Paths locates every file the pipeline reads or writes. Relative paths are
// resolved against the working directory.
type Paths struct {
	SourceRepo string `yaml:"source_repo"`
	DataSubdir string `yaml:"data_subdir"`
	Work       string `yaml:"work"`
	Dist       string `yaml:"dist"`
	Checkpoint string `yaml:"checkpoint"`
	Lock       string `yaml:"lock"`
	Manifest   string `yaml:"manifest"`
	Events     string `yaml:"events"`
	Metrics    string `yaml:"metrics"`
}

// Source is the upstream git repository of yearly boundary files.
type Source struct {
	Remote string `yaml:"remote"`
	Branch string `yaml:"branch"`
}

// Merge controls the polygon merge transform.
type Merge struct {
	NameProperty string   `yaml:"name_property"`
	Retain       []string `yaml:"retain"`
}

// Convert configures the external tile encoder. Args may use the
// placeholders {output}, {polygons} and {labels}.
type Convert struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout string   `yaml:"timeout"`
}

// Upload is the S3-compatible bucket artifacts are published to. An empty
// endpoint disables the upload stage.
type Upload struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
	Retries   int    `yaml:"retries"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Enabled reports whether an upload target is configured.
func (u Upload) Enabled() bool {
	return u.Endpoint != ""
}

// SSL reports whether to use TLS, defaulting to true.
func (u Upload) SSL() bool {
	return u.UseSSL == nil || *u.UseSSL
}
