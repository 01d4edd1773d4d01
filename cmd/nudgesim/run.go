package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/indexdb"
	persistlog "github.com/divtosz/prosocial-ai-simulation/internal/persistence/log"
	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/mirror"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/policy"
)

var (
	runEpisodes   int
	runMaxSteps   int
	runPolicy     string
	runPolicySeed int64
	runRecord     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run episodes locally with a stand-in policy",
	Long: `Drives the env in-process with a random or feasible-pair policy and prints
per-episode results. With --record the run writes step logs, the episode index
and a final snapshot exactly like serve does.`,
	Args: cobra.NoArgs,
	RunE: runLocal,
}

func init() {
	f := runCmd.Flags()
	f.IntVarP(&runEpisodes, "episodes", "n", 10, "episodes to run")
	f.IntVar(&runMaxSteps, "max-steps", 0, "reset after this many steps (0: run each episode to done)")
	f.StringVar(&runPolicy, "policy", "feasible", "policy: random or feasible")
	f.Int64Var(&runPolicySeed, "policy-seed", 1, "seed of the policy's own rng")
	f.BoolVar(&runRecord, "record", false, "write step logs, index rows and a final snapshot under --data")
}

type collector struct{ episodes []env.EpisodeSummary }

func (c *collector) WriteEpisode(s env.EpisodeSummary) error {
	c.episodes = append(c.episodes, s)
	return nil
}

func runLocal(cmd *cobra.Command, _ []string) error {
	tune, cats, err := loadConfig()
	if err != nil {
		return err
	}
	pol, err := policy.New(runPolicy, runPolicySeed)
	if err != nil {
		return err
	}

	col := &collector{}
	cfg := env.Config{
		Tuning:           tune,
		Catalogs:         cats,
		Seed:             seedFlag,
		Logger:           logger.Named("env"),
		EpisodeRecorders: []env.EpisodeRecorder{col},
	}
	var (
		idx  *indexdb.Index
		mirr *mirror.Mirror
	)
	if runRecord {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return err
		}
		opts, err := indexdb.OptionsFromEnv(dataDir)
		if err != nil {
			return err
		}
		opts.Logger = logger.Named("index")
		idx, err = indexdb.Open(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("open episode index: %w", err)
		}
		defer idx.Close()
		cfg.EpisodeRecorders = append(cfg.EpisodeRecorders, idx)

		mirr, err = mirror.FromEnv(dataDir, logger.Named("mirror"))
		if err != nil {
			return err
		}
		defer mirr.Close()

		stepLog := persistlog.NewStepLoggerWithOptions(dataDir, persistlog.Options{OnClose: mirr.Enqueue})
		defer stepLog.Close()
		cfg.StepRecorders = append(cfg.StepRecorders, stepLog)
	}

	e, err := env.New(cfg)
	if err != nil {
		return err
	}
	if err := runEpisodesWith(e, pol, runEpisodes, runMaxSteps); err != nil {
		return err
	}

	if runRecord {
		w := &snapshotWriter{dir: snapshotDir(), digest: cats.Digest, idx: idx, mirror: mirr, log: logger.Named("snapshot")}
		if _, err := w.write(e.ExportState()); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderEpisodes(col.episodes))
	return nil
}

// runEpisodesWith plays n episodes. With maxSteps > 0 a long episode is cut
// by the next Reset, which the env reports as a truncated summary; the last
// episode of the run is left open and not summarized.
func runEpisodesWith(e *env.Env, pol policy.Policy, n, maxSteps int) error {
	for ep := 0; ep < n; ep++ {
		obs, err := e.Reset()
		if err != nil {
			return err
		}
		for s := 0; !e.Done() && (maxSteps <= 0 || s < maxSteps); s++ {
			res, err := e.Step(pol.Act(obs))
			if err != nil {
				return err
			}
			obs = res.Observation
		}
		logger.Debug("episode finished", zap.Uint64("episode", e.Episode()), zap.Uint64("steps", e.StepCount()))
	}
	return nil
}
