package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Repo is the local checkout of the upstream boundary repository.
type Repo struct {
	git     GitRunner
	dir     string // checkout root
	dataDir string // subdirectory holding world_*.geojson, relative to dir
	remote  string
	branch  string
}

// NewRepo creates a Repo. remote may be empty when the checkout is managed
// by hand; Fetch then only reads the revision.
func NewRepo(git GitRunner, dir, dataDir, remote, branch string) *Repo {
	return &Repo{git: git, dir: dir, dataDir: dataDir, remote: remote, branch: branch}
}

// DataDir returns the directory containing the yearly files.
func (r *Repo) DataDir() string {
	return filepath.Join(r.dir, r.dataDir)
}

// Path returns the input file path for year.
func (r *Repo) Path(year int) string {
	return filepath.Join(r.DataDir(), YearFilename(year))
}

// Fetch clones the checkout if it is missing, fast-forwards it otherwise,
// and returns the HEAD revision.
func (r *Repo) Fetch(ctx context.Context) (string, error) {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	switch {
	case os.IsNotExist(err) && r.remote != "":
		if err := os.MkdirAll(filepath.Dir(r.dir), 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(r.dir), err)
		}
		args := []string{"clone", "--depth", "1"}
		if r.branch != "" {
			args = append(args, "--branch", r.branch)
		}
		args = append(args, r.remote, r.dir)
		if _, err := r.git.Run(ctx, "", args...); err != nil {
			return "", fmt.Errorf("clone source: %w", err)
		}
	case err == nil && r.remote != "":
		if _, err := r.git.Run(ctx, r.dir, "pull", "--ff-only"); err != nil {
			return "", fmt.Errorf("pull source: %w", err)
		}
	case err != nil && !os.IsNotExist(err):
		return "", fmt.Errorf("stat checkout: %w", err)
	}
	return r.Revision(ctx)
}

// Revision returns the checked-out commit.
func (r *Repo) Revision(ctx context.Context) (string, error) {
	rev, err := r.git.Run(ctx, r.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}
