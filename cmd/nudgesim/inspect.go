package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/indexdb"
	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/snapshot"
)

var (
	inspectSnapshot string
	inspectRecent   int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show learned community and bandit state, plus episode index totals",
	Args:  cobra.NoArgs,
	RunE:  runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.StringVar(&inspectSnapshot, "snapshot", "", "snapshot to show (default: latest in <data>/snapshots)")
	f.IntVar(&inspectRecent, "recent", 5, "recent episodes to list from the index")
}

func runInspect(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	_, cats, err := loadConfig()
	if err != nil {
		return err
	}

	path := inspectSnapshot
	if path == "" {
		path, err = snapshot.Latest(snapshotDir())
		if err != nil && !errors.Is(err, snapshot.ErrNoSnapshot) {
			return err
		}
	}
	if path != "" {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		fmt.Fprintln(out, label.Render(path))
		fmt.Fprintln(out, renderSnapshot(snap.Header, snap.State, cats))
	} else {
		fmt.Fprintln(out, label.Render("no snapshots in "+snapshotDir()))
	}

	opts, err := indexdb.OptionsFromEnv(dataDir)
	if err != nil {
		return err
	}
	if opts.Dialect == indexdb.DialectSQLite {
		// Do not create an empty index just to report on it.
		if _, err := os.Stat(opts.SQLitePath); err != nil {
			return nil
		}
	}
	opts.Logger = logger.Named("index")
	idx, err := indexdb.Open(cmd.Context(), opts)
	if err != nil {
		logger.Warn("episode index unavailable", zap.Error(err))
		return nil
	}
	defer idx.Close()

	totals, err := idx.Totals(cmd.Context())
	if err != nil {
		return err
	}
	recent, err := idx.Recent(cmd.Context(), inspectRecent)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderIndex(totals, recent))
	return nil
}
