package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/persistence/snapshot"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

func openTemp(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.sqlite")
	x, err := Open(context.Background(), Options{Dialect: DialectSQLite, SQLitePath: path})
	require.NoError(t, err)
	return x, path
}

func summary(id string, ep uint64, success bool, ended time.Time) env.EpisodeSummary {
	s := env.EpisodeSummary{
		ID:           id,
		Episode:      ep,
		Seed:         1337,
		Steps:        40 + ep,
		TotalReward:  1000.5 * float64(ep),
		Transactions: int(ep),
		InvalidSteps: 3,
		Success:      success,
		EndedAt:      ended,
	}
	for i := 0; i < 4; i++ {
		s.Communities = append(s.Communities, env.CommunityEnd{
			ID: i, Available: float64(10 + i), Required: 9, Karma: 1.0001, Sentiments: []float64{1, 0.5, 0.25, 0},
		})
	}
	return s
}

func TestIndexWriteAndQuery(t *testing.T) {
	x, path := openTemp(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, x.WriteEpisode(summary("a", 1, false, base)))
	require.NoError(t, x.WriteEpisode(summary("b", 2, true, base.Add(time.Second))))
	require.NoError(t, x.WriteEpisode(summary("b", 2, true, base.Add(time.Second)))) // duplicate ignored
	trunc := summary("c", 3, false, base.Add(2*time.Second))
	trunc.Truncated = true
	require.NoError(t, x.WriteEpisode(trunc))
	x.RecordSnapshot("/data/snapshots/000000000002.snap.zst", snapshot.Header{Episode: 2, Seed: 1337})
	require.NoError(t, x.Close())
	require.Zero(t, x.Stats().Failed)

	// Reopen: migrations must be idempotent and rows durable.
	x, err := Open(context.Background(), Options{SQLitePath: path})
	require.NoError(t, err)
	defer x.Close()
	ctx := context.Background()

	rows, err := x.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "c", rows[0].ID)
	require.Equal(t, "b", rows[1].ID)
	require.True(t, rows[1].Success)
	require.Equal(t, uint64(42), rows[1].Steps)
	require.Equal(t, 2001.0, rows[1].TotalReward)
	require.True(t, rows[1].EndedAt.Equal(base.Add(time.Second)))

	ends, err := x.CommunityEnds(ctx, "a")
	require.NoError(t, err)
	require.Len(t, ends, 4)
	require.Equal(t, 13.0, ends[3].Available)
	require.Equal(t, []float64{1, 0.5, 0.25, 0}, ends[0].Sentiments)

	tot, err := x.Totals(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, tot.Episodes)
	require.Equal(t, 1, tot.Successes)
	require.Equal(t, 3, tot.Transactions)
	require.InDelta(t, 1500.75, tot.MeanReward, 1e-9)

	var n int
	require.NoError(t, x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots").Scan(&n))
	require.Equal(t, 1, n)
}

func TestIndexTotalsEmpty(t *testing.T) {
	x, _ := openTemp(t)
	defer x.Close()
	tot, err := x.Totals(context.Background())
	require.NoError(t, err)
	require.Equal(t, Totals{}, tot)
}

func TestIndexUpsertConfig(t *testing.T) {
	x, _ := openTemp(t)
	defer x.Close()
	ctx := context.Background()
	cats := catalogs.Defaults()
	require.NoError(t, x.UpsertConfig(ctx, cats, tuning.Defaults()))
	require.NoError(t, x.UpsertConfig(ctx, cats, tuning.Defaults()))

	var digest string
	require.NoError(t, x.db.QueryRowContext(ctx, "SELECT digest FROM configs WHERE name = ?", "catalogs").Scan(&digest))
	require.Equal(t, cats.Digest, digest)
}

func TestIndexDropsWhenQueueFull(t *testing.T) {
	x := &Index{ch: make(chan req, 1)}
	x.ch <- req{kind: reqEpisode}
	require.NoError(t, x.WriteEpisode(env.EpisodeSummary{ID: "late"}))
	x.RecordSnapshot("p", snapshot.Header{})
	st := x.Stats()
	require.Equal(t, uint64(2), st.Dropped)
	require.Equal(t, 1, st.QueueDepth)
	require.Equal(t, 1, st.QueueCapacity)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("DB_DIALECT", "")
	t.Setenv("DB_SQLITE_PATH", "")
	opts, err := OptionsFromEnv("/data")
	require.NoError(t, err)
	require.Equal(t, DialectSQLite, opts.Dialect)
	require.Equal(t, filepath.Join("/data", "index.sqlite"), opts.SQLitePath)

	t.Setenv("DB_DIALECT", "postgres")
	t.Setenv("DB_POSTGRES_DSN", "")
	t.Setenv("DATABASE_URL", "")
	_, err = OptionsFromEnv("/data")
	require.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/nudges")
	opts, err = OptionsFromEnv("/data")
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@localhost/nudges", opts.DSN)

	t.Setenv("DB_DIALECT", "mysql")
	_, err = OptionsFromEnv("/data")
	require.Error(t, err)
}

func TestBindPlaceholders(t *testing.T) {
	pg := &Index{dialect: DialectPostgres}
	require.Equal(t, "$1, $2, $3", pg.binds(1, 3))
	require.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2) ON CONFLICT (a) DO NOTHING", pg.upsertQuery("t", []string{"a", "b"}, "a"))
	lite := &Index{dialect: DialectSQLite}
	require.Equal(t, "?, ?", lite.binds(1, 2))
}
