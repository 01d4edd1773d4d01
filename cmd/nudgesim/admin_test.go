package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/policy"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

// trainedSnapshot plays a couple of episodes and writes their learned state
// into dir.
func trainedSnapshot(t *testing.T, dir string) (env.LearnedState, string) {
	t.Helper()
	e, err := env.New(env.Config{Tuning: tuning.Defaults()})
	require.NoError(t, err)
	require.NoError(t, runEpisodesWith(e, policy.NewFeasible(3), 2, 200))
	st := e.ExportState()
	w := &snapshotWriter{dir: dir, digest: e.Catalogs().Digest, log: zap.NewNop()}
	path, err := w.write(st)
	require.NoError(t, err)
	return st, path
}

func TestResumeRefusesConflictingSeed(t *testing.T) {
	dir := t.TempDir()
	st, path := trainedSnapshot(t, dir)

	fresh := func() *env.Env {
		e, err := env.New(env.Config{Tuning: tuning.Defaults()})
		require.NoError(t, err)
		return e
	}

	e := fresh()
	require.ErrorIs(t, resume(e, dir, "", false, st.Seed+1), errSeedConflict)
	require.Equal(t, uint64(0), e.Episode())

	e = fresh()
	require.ErrorIs(t, resume(e, dir, path, false, st.Seed+1), errSeedConflict)

	e = fresh()
	require.NoError(t, resume(e, dir, "", false, st.Seed))
	require.Equal(t, st.Episode, e.Episode())

	e = fresh()
	require.NoError(t, resume(e, dir, "", false, 0))
	require.Equal(t, st, e.ExportState())

	e = fresh()
	require.NoError(t, resume(e, dir, "", true, st.Seed+1))
	require.Equal(t, uint64(0), e.Episode())
}

func startAdmin(t *testing.T, dir string) (*adminServer, *env.Runtime, func()) {
	t.Helper()
	e, err := env.New(env.Config{Tuning: tuning.Defaults()})
	require.NoError(t, err)
	rt := env.NewRuntime(e, nil)
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })

	adm := &adminServer{
		rt:     rt,
		snaps:  &snapshotWriter{dir: dir, digest: e.Catalogs().Digest, log: zap.NewNop()},
		dir:    dir,
		digest: e.Catalogs().Digest,
		log:    zap.NewNop(),
	}
	return adm, rt, func() {
		cancel()
		require.ErrorIs(t, g.Wait(), context.Canceled)
	}
}

func adminPost(h http.HandlerFunc, target string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h(rec, req)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestAdminRestoreLoadsIntoRunningEnv(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	st, path := trainedSnapshot(t, dir)

	adm, rt, stop := startAdmin(t, dir)
	defer stop()
	ctx := context.Background()

	_, err := rt.Reset(ctx)
	require.NoError(t, err)

	rec, body := adminPost(adm.restoreHandler(), "/admin/v1/restore?name="+filepath.Base(path))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["ok"])
	require.Equal(t, float64(st.Episode), body["episode"])

	got, err := rt.Export(ctx)
	require.NoError(t, err)
	require.Equal(t, st, got)

	// The restored env waits for a reset.
	_, err = rt.Step(ctx, 0)
	require.ErrorIs(t, err, env.ErrNotReset)

	rec, _ = adminPost(adm.restoreHandler(), "/admin/v1/restore")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminSnapshotWritesFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	adm, rt, stop := startAdmin(t, dir)
	defer stop()

	_, err := rt.Reset(context.Background())
	require.NoError(t, err)

	rec, body := adminPost(adm.snapshotHandler(), "/admin/v1/snapshot")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	name, _ := body["name"].(string)
	require.NotEmpty(t, name)
	_, err = os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)
}

func TestAdminRejects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	adm, _, stop := startAdmin(t, dir)
	defer stop()

	rec, _ := adminPost(adm.restoreHandler(), "/admin/v1/restore")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = adminPost(adm.restoreHandler(), "/admin/v1/restore?name=..%2Fsecrets")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/snapshot", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	get := httptest.NewRecorder()
	adm.snapshotHandler()(get, req)
	require.Equal(t, http.StatusMethodNotAllowed, get.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/v1/snapshot", nil)
	req.RemoteAddr = "10.1.2.3:40000"
	remote := httptest.NewRecorder()
	adm.snapshotHandler()(remote, req)
	require.Equal(t, http.StatusForbidden, remote.Code)
}
