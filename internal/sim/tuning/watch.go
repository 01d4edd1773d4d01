package tuning

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a tuning file when it changes on disk. The parent
// directory is watched rather than the file so editors that replace the
// file by rename keep triggering events.
type Watcher struct {
	path     string
	log      *zap.Logger
	debounce time.Duration
	apply    func(context.Context, Tuning) error
}

func NewWatcher(path string, logger *zap.Logger, apply func(context.Context, Tuning) error) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: filepath.Clean(path), log: logger, debounce: 250 * time.Millisecond, apply: apply}
}

// Run blocks until ctx is done. A file that fails to load or validate is
// logged and ignored; the previous tuning stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.log.Info("watching tuning", zap.String("path", w.path))

	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("tuning watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	t, err := Load(w.path)
	if err != nil {
		w.log.Warn("tuning reload rejected", zap.Error(err))
		return
	}
	if err := w.apply(ctx, t); err != nil {
		w.log.Warn("tuning apply failed", zap.Error(err))
		return
	}
	w.log.Info("tuning reloaded; applies at next reset", zap.Int64("seed", t.Seed))
}
