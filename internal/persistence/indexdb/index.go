package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/snapshot"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type Dialect string

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type Options struct {
	Dialect Dialect
	// SQLitePath is the database file for DialectSQLite.
	SQLitePath string
	// DSN is the connection string for DialectPostgres.
	DSN string
	// QueueSize bounds pending writes; further writes are dropped.
	QueueSize int
	Logger    *zap.Logger
}

// OptionsFromEnv reads DB_DIALECT (sqlite by default), DB_SQLITE_PATH and
// DB_POSTGRES_DSN or DATABASE_URL. The sqlite file defaults to
// <dataDir>/index.sqlite.
func OptionsFromEnv(dataDir string) (Options, error) {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv("DB_DIALECT")))
	if raw == "" {
		raw = string(DialectSQLite)
	}
	opts := Options{Dialect: Dialect(raw)}
	switch opts.Dialect {
	case DialectSQLite:
		opts.SQLitePath = strings.TrimSpace(os.Getenv("DB_SQLITE_PATH"))
		if opts.SQLitePath == "" {
			opts.SQLitePath = filepath.Join(dataDir, "index.sqlite")
		}
	case DialectPostgres:
		opts.DSN = strings.TrimSpace(os.Getenv("DB_POSTGRES_DSN"))
		if opts.DSN == "" {
			opts.DSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if opts.DSN == "" {
			return opts, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN or DATABASE_URL")
		}
	default:
		return opts, fmt.Errorf("unsupported DB_DIALECT %q", raw)
	}
	return opts, nil
}

// Index is a secondary, queryable record of finished episodes. Writes go
// through a single goroutine; the step log stays the source of truth.
type Index struct {
	dialect Dialect
	db      *sql.DB
	log     *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type reqKind int

const (
	reqEpisode reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind     reqKind
	episode  env.EpisodeSummary
	snapshot snapshotRow
}

type snapshotRow struct {
	Episode    uint64
	Path       string
	Seed       int64
	RecordedAt string
}

func Open(ctx context.Context, opts Options) (*Index, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}

	var driver, dsn string
	switch opts.Dialect {
	case DialectSQLite, "":
		opts.Dialect = DialectSQLite
		if opts.SQLitePath == "" {
			return nil, errors.New("empty sqlite path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		driver, dsn = "sqlite", opts.SQLitePath
	case DialectPostgres:
		if opts.DSN == "" {
			return nil, errors.New("empty postgres dsn")
		}
		driver, dsn = "pgx", opts.DSN
	default:
		return nil, fmt.Errorf("unsupported dialect %q", opts.Dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", opts.Dialect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", opts.Dialect, err)
	}

	x := &Index{
		dialect: opts.Dialect,
		db:      db,
		log:     opts.Logger,
		ch:      make(chan req, opts.QueueSize),
	}
	if x.dialect == DialectSQLite {
		if err := initPragmas(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := x.applyMigrations(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.loop()
	}()
	x.log.Info("episode index open", zap.String("dialect", string(x.dialect)))
	return x, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) bind(pos int) string {
	if x.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (x *Index) binds(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = x.bind(from + i)
	}
	return strings.Join(ph, ", ")
}

// upsertQuery inserts a row and ignores duplicates of key.
func (x *Index) upsertQuery(table string, cols []string, key string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), x.binds(1, len(cols)), key)
}

func (x *Index) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`
	if _, err := x.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := x.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	files, err := fs.Glob(migrationFS, fmt.Sprintf("migrations/%s/*.sql", x.dialect))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		body, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := x.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := x.upsertQuery("schema_migrations", []string{"version", "applied_at"}, "version")
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC().Format(timeLayout)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// Close drains pending writes and closes the database.
func (x *Index) Close() error {
	var err error
	x.once.Do(func() {
		x.closed.Store(true)
		close(x.ch)
		x.wg.Wait()
		err = x.db.Close()
	})
	return err
}

// WriteEpisode queues a summary. It never blocks the env: when the writer
// falls behind the summary is dropped and counted.
func (x *Index) WriteEpisode(s env.EpisodeSummary) error {
	x.enqueue(req{kind: reqEpisode, episode: s})
	return nil
}

func (x *Index) RecordSnapshot(path string, h snapshot.Header) {
	x.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Episode:    h.Episode,
		Path:       path,
		Seed:       h.Seed,
		RecordedAt: time.Now().UTC().Format(timeLayout),
	}})
}

func (x *Index) enqueue(r req) {
	if x == nil || x.closed.Load() {
		return
	}
	select {
	case x.ch <- r:
	default:
		x.dropped.Add(1)
	}
}

type Stats struct {
	Dropped       uint64
	Failed        uint64
	QueueDepth    int
	QueueCapacity int
}

func (x *Index) Stats() Stats {
	return Stats{
		Dropped:       x.dropped.Load(),
		Failed:        x.failed.Load(),
		QueueDepth:    len(x.ch),
		QueueCapacity: cap(x.ch),
	}
}

func (x *Index) loop() {
	ctx := context.Background()
	for r := range x.ch {
		var err error
		switch r.kind {
		case reqEpisode:
			err = x.insertEpisode(ctx, r.episode)
		case reqSnapshot:
			err = x.insertSnapshot(ctx, r.snapshot)
		}
		if err != nil {
			x.failed.Add(1)
			x.log.Warn("index write failed", zap.Error(err))
		}
	}
}

func (x *Index) insertEpisode(ctx context.Context, s env.EpisodeSummary) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := x.upsertQuery("episodes", []string{
		"id", "episode", "seed", "steps", "total_reward", "transactions",
		"invalid_steps", "success", "truncated", "ended_at",
	}, "id")
	if _, err := tx.ExecContext(ctx, q,
		s.ID, int64(s.Episode), s.Seed, int64(s.Steps), s.TotalReward, s.Transactions,
		s.InvalidSteps, s.Success, s.Truncated, s.EndedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert episode %s: %w", s.ID, err)
	}

	cq := x.upsertQuery("community_ends", []string{
		"episode_id", "community", "available", "required", "karma", "sentiments_json",
	}, "episode_id, community")
	for _, c := range s.Communities {
		sj, _ := json.Marshal(c.Sentiments)
		if _, err := tx.ExecContext(ctx, cq, s.ID, c.ID, c.Available, c.Required, c.Karma, string(sj)); err != nil {
			return fmt.Errorf("insert community %d of %s: %w", c.ID, s.ID, err)
		}
	}
	return tx.Commit()
}

func (x *Index) insertSnapshot(ctx context.Context, r snapshotRow) error {
	q := x.upsertQuery("snapshots", []string{"episode", "path", "seed", "recorded_at"}, "episode")
	_, err := x.db.ExecContext(ctx, q, int64(r.Episode), r.Path, r.Seed, r.RecordedAt)
	return err
}

// UpsertConfig stores the catalogs and tuning in effect, keyed by name, so
// an index row can be traced to the rules that produced it.
func (x *Index) UpsertConfig(ctx context.Context, cats *catalogs.Catalogs, t tuning.Tuning) error {
	tb, err := json.Marshal(t)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(tb)
	cb, err := json.Marshal(cats)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)

	q := fmt.Sprintf("INSERT INTO configs (name, digest, json, updated_at) VALUES (%s) "+
		"ON CONFLICT (name) DO UPDATE SET digest = excluded.digest, json = excluded.json, updated_at = excluded.updated_at",
		x.binds(1, 4))
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, q, "catalogs", cats.Digest, string(cb), now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, "tuning", hex.EncodeToString(sum[:]), string(tb), now); err != nil {
		return err
	}
	return tx.Commit()
}
