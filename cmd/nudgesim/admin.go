package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/snapshot"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/transport/observer"
)

type stateStore interface {
	Export(ctx context.Context) (env.LearnedState, error)
	Import(ctx context.Context, st env.LearnedState) error
}

// adminServer exposes loopback-only snapshot controls for a running serve.
type adminServer struct {
	rt     stateStore
	snaps  *snapshotWriter
	dir    string
	digest string
	log    *zap.Logger
}

func (a *adminServer) guard(rw http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if !observer.IsLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func writeAdminJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// snapshotHandler writes the current learned state to the snapshot dir.
func (a *adminServer) snapshotHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !a.guard(rw, r) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		st, err := a.rt.Export(ctx)
		if err != nil {
			writeAdminJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		path, err := a.snaps.write(st)
		if err != nil {
			writeAdminJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeAdminJSON(rw, http.StatusOK, map[string]any{"ok": true, "episode": st.Episode, "name": filepath.Base(path)})
	}
}

// restoreHandler loads ?name=<file> from the snapshot dir, or the newest one,
// into the running env. The current episode is abandoned; the controller
// must reset.
func (a *adminServer) restoreHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !a.guard(rw, r) {
			return
		}
		var path string
		if name := r.URL.Query().Get("name"); name != "" {
			if name != filepath.Base(name) {
				writeAdminJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "name must be a file in the snapshot dir"})
				return
			}
			path = filepath.Join(a.dir, name)
		} else {
			p, err := snapshot.Latest(a.dir)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, snapshot.ErrNoSnapshot) {
					status = http.StatusNotFound
				}
				writeAdminJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			path = p
		}

		snap, err := loadSnapshot(path, a.digest)
		if err != nil {
			writeAdminJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := a.rt.Import(ctx, snap.State); err != nil {
			writeAdminJSON(rw, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		a.log.Info("restored", zap.String("snapshot", filepath.Base(path)), zap.Uint64("episode", snap.Header.Episode))
		writeAdminJSON(rw, http.StatusOK, map[string]any{
			"ok":      true,
			"name":    filepath.Base(path),
			"episode": snap.Header.Episode,
			"seed":    snap.Header.Seed,
		})
	}
}
