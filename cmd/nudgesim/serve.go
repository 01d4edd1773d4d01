package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/indexdb"
	persistlog "github.com/divtosz/prosocial-ai-simulation/internal/persistence/log"
	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/mirror"
	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/snapshot"
	"github.com/divtosz/prosocial-ai-simulation/internal/protocol"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
	"github.com/divtosz/prosocial-ai-simulation/internal/transport/mcp"
	"github.com/divtosz/prosocial-ai-simulation/internal/transport/observer"
	"github.com/divtosz/prosocial-ai-simulation/internal/transport/ws"
)

var (
	serveAddr       string
	serveSnapshot   string
	serveFresh      bool
	serveWatch      bool
	serveDisableDB  bool
	serveNoObserver bool
	serveNoAdmin    bool
	serveController string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the env to an external policy over WebSocket",
	Long: `Starts the env behind a single-controller WebSocket endpoint (/v1/ws), or
with --controller=mcp behind Model Context Protocol tools on /mcp. Requests to
/mcp are HMAC-signed when NUDGESIM_MCP_HMAC_SECRET is set and loopback-only
otherwise. Every reset and step goes to the zstd step log, finished episodes to the
episode index, and learned state to periodic snapshots. Spectators can follow
along on /observer/ws from loopback. Loopback clients can also POST
/admin/v1/snapshot to write a snapshot now and /admin/v1/restore?name=<file> to
load one into the running env.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveAddr, "addr", ":8080", "http listen address")
	f.StringVar(&serveSnapshot, "snapshot", "", "snapshot to resume from (default: latest in <data>/snapshots)")
	f.BoolVar(&serveFresh, "fresh", false, "ignore existing snapshots and start with untrained communities")
	f.BoolVar(&serveWatch, "watch", false, "reload the tuning file when it changes (applies at the next reset)")
	f.BoolVar(&serveDisableDB, "disable-db", false, "disable the episode index")
	f.BoolVar(&serveNoObserver, "no-observer", false, "disable the observer endpoints")
	f.BoolVar(&serveNoAdmin, "no-admin", false, "disable the loopback /admin/v1 snapshot and restore endpoints")
	f.StringVar(&serveController, "controller", "ws", "who drives the env: ws (/v1/ws) or mcp (/mcp tools for LLM agents)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveController != "ws" && serveController != "mcp" {
		return fmt.Errorf("unknown --controller %q (ws, mcp)", serveController)
	}
	tune, cats, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	var idx *indexdb.Index
	if !serveDisableDB {
		opts, err := indexdb.OptionsFromEnv(dataDir)
		if err != nil {
			return err
		}
		opts.Logger = logger.Named("index")
		idx, err = indexdb.Open(ctx, opts)
		if err != nil {
			return fmt.Errorf("open episode index: %w", err)
		}
		defer idx.Close()
		if err := idx.UpsertConfig(ctx, cats, tune); err != nil {
			logger.Warn("index: upsert config", zap.Error(err))
		}
	}

	mirr, err := mirror.FromEnv(dataDir, logger.Named("mirror"))
	if err != nil {
		return err
	}
	defer mirr.Close()

	// Closed hourly files are final; hand them to the mirror.
	stepLog := persistlog.NewStepLoggerWithOptions(dataDir, persistlog.Options{OnClose: mirr.Enqueue})
	defer stepLog.Close()
	hub := observer.NewHub()

	cfg := env.Config{
		Tuning:        tune,
		Catalogs:      cats,
		Seed:          seedFlag,
		Logger:        logger.Named("env"),
		StepRecorders: []env.StepRecorder{stepLog, hub},
	}
	if idx != nil {
		cfg.EpisodeRecorders = append(cfg.EpisodeRecorders, idx)
	}
	e, err := env.New(cfg)
	if err != nil {
		return err
	}
	if err := resume(e, snapshotDir(), serveSnapshot, serveFresh, seedFlag); err != nil {
		return err
	}

	snaps := &snapshotWriter{dir: snapshotDir(), digest: cats.Digest, idx: idx, mirror: mirr, log: logger.Named("snapshot")}
	rt := env.NewRuntime(e, logger.Named("runtime"))
	snapCh := make(chan env.LearnedState, 2)
	rt.SetSnapshotSink(snapCh)

	params := protocol.EnvParams{
		NumCommunities: community.Count,
		NumActions:     env.NumActions,
		ObservationLen: e.ObservationLen(),
		PrevActionsLen: e.Tuning().PrevActionsLen,
		Seed:           e.Seed(),
	}
	wsSrv, err := ws.NewServer(rt, params, cats.Digest, logger.Named("ws"))
	if err != nil {
		return err
	}
	var mcpSrv *mcp.Server
	if serveController == "mcp" {
		mcpSrv, err = mcp.NewServer(mcp.Config{
			Runtime:    rt,
			Catalogs:   cats,
			Tuning:     e.Tuning(),
			HMACSecret: os.Getenv("NUDGESIM_MCP_HMAC_SECRET"),
			Logger:     logger.Named("mcp"),
		})
		if err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(rt, hub, idx, mirr))
	if mcpSrv != nil {
		mux.HandleFunc("/mcp", mcpSrv.Handler())
	} else {
		mux.HandleFunc("/v1/ws", wsSrv.Handler())
	}
	if !serveNoAdmin {
		adm := &adminServer{rt: rt, snaps: snaps, dir: snapshotDir(), digest: cats.Digest, log: logger.Named("admin")}
		mux.HandleFunc("/admin/v1/snapshot", adm.snapshotHandler())
		mux.HandleFunc("/admin/v1/restore", adm.restoreHandler())
	}
	if !serveNoObserver {
		obsSrv := observer.NewServer(rt, hub, logger.Named("observer"))
		mux.HandleFunc("/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/observer/ws", obsSrv.WSHandler())
	}
	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("runtime: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case st := <-snapCh:
				_, _ = snaps.write(st)
			}
		}
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", serveAddr), zap.String("controller", serveController),
			zap.Int64("seed", e.Seed()), zap.Uint64("episode", e.Episode()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		wsSrv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if serveWatch {
		apply := func(ctx context.Context, t tuning.Tuning) error {
			if err := rt.ApplyTuning(ctx, t); err != nil {
				return err
			}
			if mcpSrv != nil {
				mcpSrv.SetTuning(t)
			}
			if idx != nil {
				return idx.UpsertConfig(ctx, cats, t)
			}
			return nil
		}
		w := tuning.NewWatcher(resolvedTuningPath(), logger.Named("tuning"), apply)
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()

	// Run has returned; the env is ours again.
drain:
	for {
		select {
		case st := <-snapCh:
			_, _ = snaps.write(st)
		default:
			break drain
		}
	}
	if final := rt.Final(); final.Episode > 0 {
		_, _ = snaps.write(final)
	}
	if idx != nil {
		st := idx.Stats()
		logger.Info("index stats", zap.Uint64("dropped", st.Dropped), zap.Uint64("failed", st.Failed))
	}
	logger.Info("stopped")
	return err
}

// resume restores learned state from --snapshot, or from the newest
// snapshot in the data dir unless --fresh.
// errSeedConflict refuses to resume a snapshot whose seed differs from an
// explicit --seed.
var errSeedConflict = errors.New("--seed differs from the snapshot's seed; pass --fresh to start over with it")

// resume loads path, or the newest snapshot in dir unless fresh is set.
// seed is the --seed flag; zero means unset.
func resume(e *env.Env, dir, path string, fresh bool, seed int64) error {
	if path == "" && !fresh {
		p, err := snapshot.Latest(dir)
		switch {
		case errors.Is(err, snapshot.ErrNoSnapshot):
			return nil
		case err != nil:
			return err
		}
		path = p
	}
	if path == "" {
		return nil
	}
	snap, err := loadSnapshot(path, e.Catalogs().Digest)
	if err != nil {
		return err
	}
	if seed != 0 && seed != snap.Header.Seed {
		return fmt.Errorf("%w (flag %d, snapshot %d in %s)", errSeedConflict, seed, snap.Header.Seed, filepath.Base(path))
	}
	if err := e.ImportState(snap.State); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	logger.Info("resumed", zap.String("snapshot", filepath.Base(path)),
		zap.Uint64("episode", snap.Header.Episode), zap.Int64("seed", snap.Header.Seed))
	return nil
}

func loadSnapshot(path, digest string) (snapshot.SnapshotV1, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Header.CatalogsDigest != "" && snap.Header.CatalogsDigest != digest {
		logger.Warn("snapshot taken with different catalogs",
			zap.String("snapshot", snap.Header.CatalogsDigest), zap.String("current", digest))
	}
	return snap, nil
}

type snapshotWriter struct {
	dir    string
	digest string
	idx    *indexdb.Index
	mirror *mirror.Mirror
	log    *zap.Logger
}

func (w *snapshotWriter) write(st env.LearnedState) (string, error) {
	path := snapshot.PathFor(w.dir, st.Episode)
	snap := snapshot.New(st, w.digest)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		w.log.Error("snapshot write", zap.Error(err))
		return "", err
	}
	if w.idx != nil {
		w.idx.RecordSnapshot(path, snap.Header)
	}
	w.mirror.Enqueue(path)
	w.log.Info("snapshot written", zap.String("path", path), zap.Uint64("episode", st.Episode))
	return path, nil
}
