// Command nudgesim serves, runs, replays and inspects the nudging simulation.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

var (
	logger = zap.NewNop()

	verbose    bool
	configDir  string
	dataDir    string
	tuningPath string
	seedFlag   int64
)

var rootCmd = &cobra.Command{
	Use:           "nudgesim",
	Short:         "Prosocial nudging simulation: four communities, message bandits, a gym-style env",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging (per-step narration)")
	pf.StringVar(&configDir, "configs", "./configs", "config directory holding tuning.yaml and catalogs.yaml")
	pf.StringVar(&dataDir, "data", "./data", "runtime data directory (step logs, snapshots, index)")
	pf.StringVar(&tuningPath, "tuning", "", "tuning file (default <configs>/tuning.yaml)")
	pf.Int64Var(&seedFlag, "seed", 0, "rng seed; overrides tuning.yaml when non-zero")

	rootCmd.AddCommand(serveCmd, runCmd, replayCmd, inspectCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "nudgesim:", err)
		os.Exit(1)
	}
}

func resolvedTuningPath() string {
	if tuningPath != "" {
		return tuningPath
	}
	return filepath.Join(configDir, "tuning.yaml")
}

// loadConfig reads tuning and catalogs, falling back to built-in defaults
// for files that do not exist. A file that exists but is invalid is an error.
func loadConfig() (tuning.Tuning, *catalogs.Catalogs, error) {
	tp := resolvedTuningPath()
	tune, err := tuning.Load(tp)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("tuning not found; using defaults", zap.String("path", tp))
		tune = tuning.Defaults()
	case err != nil:
		return tune, nil, fmt.Errorf("load tuning: %w", err)
	}

	cp := filepath.Join(configDir, "catalogs.yaml")
	cats, err := catalogs.Load(cp)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("catalogs not found; using defaults", zap.String("path", cp))
		cats = catalogs.Defaults()
	case err != nil:
		return tune, nil, fmt.Errorf("load catalogs: %w", err)
	}
	return tune, cats, nil
}

func snapshotDir() string { return filepath.Join(dataDir, "snapshots") }
