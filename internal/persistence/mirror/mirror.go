package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	Enqueued       uint64
	Dropped        uint64
	Uploaded       uint64
	Failed         uint64
	LastUploadUnix int64
	LastErrorUnix  int64
}

type Options struct {
	// Root is the local data dir; object keys are paths relative to it.
	Root   string
	Prefix string

	Workers     int
	QueueSize   int
	EnqueueWait time.Duration
	Attempts    int
	Backoff     time.Duration
	Logger      *zap.Logger
}

// Mirror uploads files handed to Enqueue on a small worker pool. Enqueue
// never blocks longer than EnqueueWait; files that do not fit are dropped
// and counted, the local copy stays authoritative.
type Mirror struct {
	put  Putter
	opts Options
	log  *zap.Logger

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once

	enqueued   atomic.Uint64
	dropped    atomic.Uint64
	uploaded   atomic.Uint64
	failed     atomic.Uint64
	lastUpload atomic.Int64
	lastError  atomic.Int64
}

func New(put Putter, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	m := &Mirror{put: put, opts: opts, log: opts.Logger, jobs: make(chan string, opts.QueueSize)}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	timer := time.NewTimer(m.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		m.dropped.Add(1)
		m.log.Warn("mirror queue full; dropped", zap.String("path", localPath))
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(m.jobs),
		QueueCapacity:  cap(m.jobs),
		Enqueued:       m.enqueued.Load(),
		Dropped:        m.dropped.Load(),
		Uploaded:       m.uploaded.Load(),
		Failed:         m.failed.Load(),
		LastUploadUnix: m.lastUpload.Load(),
		LastErrorUnix:  m.lastError.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Warn("mirror skip", zap.String("path", localPath), zap.Error(err))
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.put.Put(ctx, key, localPath)
		cancel()
		if err == nil || attempt >= m.opts.Attempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * m.opts.Backoff)
	}
	if err != nil {
		m.failed.Add(1)
		m.lastError.Store(time.Now().Unix())
		m.log.Warn("mirror upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.uploaded.Add(1)
	m.lastUpload.Store(time.Now().Unix())
	m.log.Debug("mirror uploaded", zap.String("key", key))
}

// ObjectKey maps a file under Root to its key: Prefix joined with the
// slash-separated relative path.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	root, err := filepath.Abs(m.opts.Root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, root)
	}
	if m.opts.Prefix != "" {
		rel = path.Join(m.opts.Prefix, rel)
	}
	return rel, nil
}

// FromEnv builds a Mirror from NUDGESIM_MIRROR_* variables. It returns nil
// when NUDGESIM_MIRROR is unset or false.
func FromEnv(root string, logger *zap.Logger) (*Mirror, error) {
	on, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("NUDGESIM_MIRROR")))
	if !on {
		return nil, nil
	}
	c, err := NewClient(ClientConfig{
		Endpoint:        os.Getenv("NUDGESIM_MIRROR_ENDPOINT"),
		Bucket:          os.Getenv("NUDGESIM_MIRROR_BUCKET"),
		Region:          os.Getenv("NUDGESIM_MIRROR_REGION"),
		AccessKeyID:     strings.TrimSpace(os.Getenv("NUDGESIM_MIRROR_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("NUDGESIM_MIRROR_SECRET_ACCESS_KEY")),
	})
	if err != nil {
		return nil, errors.Join(errors.New("NUDGESIM_MIRROR=true"), err)
	}
	workers, _ := strconv.Atoi(os.Getenv("NUDGESIM_MIRROR_WORKERS"))
	return New(c, Options{
		Root:    root,
		Prefix:  os.Getenv("NUDGESIM_MIRROR_PREFIX"),
		Workers: workers,
		Logger:  logger,
	}), nil
}
