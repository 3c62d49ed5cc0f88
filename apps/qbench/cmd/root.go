package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quatton/qbench/pkg/config"
	"github.com/quatton/qbench/pkg/qlog"
)

type contextKey string

const settingsContextKey contextKey = "qbenchsettings"

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	logFormat string

	rootCmd = &cobra.Command{
		Use:   "qbench",
		Short: "Run benchmark experiments across a fleet of cloud instances",
		Long: `qbench provisions one compute instance per entry of an experiment file,
uploads the benchmark files, runs every configuration in order, collects the
results and tears the instances down. Instances are driven concurrently; a
failure on one never affects the others.

Infrastructure endpoints (ledger database, claim store, artifact mirror, event
stream) are read from QBENCH_* environment variables and are all optional.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(verbose, quiet, logFormat)
			if err != nil {
				return err
			}

			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}

			ctx := qlog.IntoContext(cmd.Context(), log)
			ctx = context.WithValue(ctx, settingsContextKey, settings)
			cmd.SetContext(ctx)

			return nil
		},
	}
)

// GetSettings retrieves the infrastructure settings from the command context
func GetSettings(cmd *cobra.Command) (*config.Settings, error) {
	settings, ok := cmd.Context().Value(settingsContextKey).(*config.Settings)
	if !ok {
		return nil, errors.New("no settings in context")
	}
	return settings, nil
}

func newLogger(verbose, quiet bool, format string) (*qlog.Logger, error) {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	switch format {
	case "", "text":
		return qlog.NewLogger(level, os.Stderr), nil
	case "json":
		return qlog.NewJSON(level, os.Stderr), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "experiment file (YAML). Searches: qbench.yaml, qbench.yml, .qbench.yaml, merged with .qbench/config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log warnings and errors only")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}
