package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	persistlog "github.com/divtosz/prosocial-ai-simulation/internal/persistence/log"
	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/snapshot"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

var (
	replayDir      string
	replaySnapshot string
	replayEpisodes uint64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-execute step logs against a fresh env and verify them",
	Long: `Reads steps-*.jsonl.zst in order and replays every RESET and STEP entry,
checking rewards, done flags and observations. The env is seeded from the first
RESET entry unless --seed is given. With --snapshot the env starts from that
learned state and entries of earlier episodes are skipped; this matches logs
written by a server that resumed from the same snapshot.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayDir, "steps", "", "step log directory (default <data>/steps)")
	f.StringVar(&replaySnapshot, "snapshot", "", "start from this snapshot")
	f.Uint64Var(&replayEpisodes, "episodes", 0, "stop after this many episodes (0: all)")
}

func runReplay(cmd *cobra.Command, _ []string) error {
	tune, cats, err := loadConfig()
	if err != nil {
		return err
	}
	dir := replayDir
	if dir == "" {
		dir = persistlog.StepDir(dataDir)
	}
	files, err := persistlog.ListFiles(dir, persistlog.StepFilePrefix)
	if err != nil {
		return fmt.Errorf("list step logs: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no step logs in %s", dir)
	}

	r := &replayer{tune: tune, cats: cats, seed: seedFlag, maxEpisodes: replayEpisodes}
	if replaySnapshot != "" {
		snap, err := snapshot.ReadSnapshot(replaySnapshot)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		r.from = &snap.State
	}
	for _, path := range files {
		err := persistlog.ReadSteps(path, r.apply)
		if errors.Is(err, errReplayLimit) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	logger.Info("replay ok", zap.Int("files", len(files)), zap.Int("entries", r.checked), zap.Uint64("episodes", r.episodes))
	fmt.Fprintf(cmd.OutOrStdout(), "replay ok: %d entries, %d episodes\n", r.checked, r.episodes)
	return nil
}

var errReplayLimit = errors.New("replay: episode limit reached")

type replayer struct {
	tune        tuning.Tuning
	cats        *catalogs.Catalogs
	seed        int64
	from        *env.LearnedState
	maxEpisodes uint64

	e        *env.Env
	checked  int
	episodes uint64
}

func (r *replayer) apply(entry env.StepLogEntry) error {
	if r.from != nil && entry.Episode <= r.from.Episode {
		return nil
	}
	if r.e == nil {
		if entry.Kind != env.EntryReset {
			// A log cut mid-episode; wait for the next reset.
			return nil
		}
		if err := r.start(entry); err != nil {
			return err
		}
	}
	if entry.Kind == env.EntryReset {
		if r.maxEpisodes > 0 && r.episodes >= r.maxEpisodes {
			return errReplayLimit
		}
		r.episodes++
	}
	if err := r.e.Replay(entry); err != nil {
		return err
	}
	r.checked++
	return nil
}

func (r *replayer) start(first env.StepLogEntry) error {
	seed := r.seed
	if seed == 0 {
		seed = first.Seed
	}
	e, err := env.New(env.Config{Tuning: r.tune, Catalogs: r.cats, Seed: seed})
	if err != nil {
		return err
	}
	if r.from != nil {
		if err := e.ImportState(*r.from); err != nil {
			return err
		}
	} else if first.Episode != 1 {
		return fmt.Errorf("log starts at episode %d; replay it with --snapshot", first.Episode)
	}
	r.e = e
	return nil
}
