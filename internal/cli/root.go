package cli

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/chronotiles/internal/lock"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// Process exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitLockHeld = 2
)

var (
	configFile string
	verbose    bool
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "chronotiles",
	Short: "chronotiles: historical boundary vector tiles, built incrementally",
	Long: `chronotiles turns a repository of yearly historical-boundary GeoJSON files
into content-hashed vector tile archives.

Each year moves through merge, validate, convert and prepare. Progress is
checkpointed after every stage, so a re-run only redoes work whose input
changed. A directory lock keeps concurrent runs from interleaving.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logFormat != "text" && logFormat != "json" {
			return fmt.Errorf("invalid --log-format %q: want text or json", logFormat)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, lock.ErrLockHeld):
		return ExitLockHeld
	default:
		return ExitFailure
	}
}

func newLogger(cmd *cobra.Command) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if logFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to chronotiles.yaml (default: ./chronotiles.yaml, then ~/.chronotiles/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}
