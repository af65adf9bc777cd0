// Package convert runs the external tile encoder that turns merged
// polygons and labels into a single tile archive.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds one conversion when none is configured.
const DefaultTimeout = 10 * time.Minute

// ErrTimeout is the cause recorded when a conversion outlives its own
// timeout, as opposed to the caller's context ending.
var ErrTimeout = errors.New("conversion timed out")

// DefaultCommand and DefaultArgs encode both layers with tippecanoe.
const DefaultCommand = "tippecanoe"

var DefaultArgs = []string{
	"-o", "{output}",
	"--force",
	"-zg",
	"--drop-densest-as-needed",
	"-L", "territories:{polygons}",
	"-L", "labels:{labels}",
}

// CommandRunner abstracts process execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Converter invokes the configured encoder.
type Converter struct {
	cmd     CommandRunner
	command string
	args    []string
	timeout time.Duration
}

// New creates a Converter. Empty command/args/timeout fall back to the
// defaults.
func New(cmd CommandRunner, command string, args []string, timeout time.Duration) *Converter {
	if command == "" {
		command = DefaultCommand
	}
	if len(args) == 0 {
		args = DefaultArgs
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Converter{cmd: cmd, command: command, args: args, timeout: timeout}
}

// Args expands the placeholders of the argument template.
func (c *Converter) Args(polygons, labels, output string) []string {
	r := strings.NewReplacer("{polygons}", polygons, "{labels}", labels, "{output}", output)
	out := make([]string, len(c.args))
	for i, a := range c.args {
		out[i] = r.Replace(a)
	}
	return out
}

// Convert encodes polygons and labels into output. A timeout or non-zero
// exit is an error, and so is an encoder that exits cleanly without
// producing output.
func (c *Converter) Convert(ctx context.Context, polygons, labels, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(output), err)
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
	defer cancel()

	_, stderr, exitCode, err := c.cmd.Run(runCtx, filepath.Dir(output), c.command, c.Args(polygons, labels, output)...)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", c.command, err)
	}
	if errors.Is(context.Cause(runCtx), ErrTimeout) {
		return fmt.Errorf("%s timed out after %s: %w", c.command, c.timeout, ErrTimeout)
	}
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s", c.command, exitCode, lastLine(stderr))
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("%s produced no output: %w", c.command, err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
