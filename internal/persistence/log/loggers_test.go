package log

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

func TestStepLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewStepLogger(dir)
	l.w.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	want := []env.StepLogEntry{
		{Kind: env.EntryReset, Episode: 1, Seed: 7, Action: -1, Donor: -1, Recipient: -1, Option: -1, Observation: []float64{1, 2}},
		{Kind: env.EntryStep, Episode: 1, Step: 1, Action: 4, Donor: 1, Recipient: 2, Valid: true, Message: "Our infants are sick.",
			DonorDecision: &env.DecisionLogItem{Community: 1, Production: "positive_surplus_accept", Accepted: true},
			Reward: 245.5, Observation: []float64{0.5, 3}},
	}
	for _, e := range want {
		require.NoError(t, l.WriteStep(e))
	}
	require.NoError(t, l.Close())

	files, err := ListFiles(StepDir(dir), StepFilePrefix)
	require.NoError(t, err)
	require.Len(t, files, 1)

	var got []env.StepLogEntry
	require.NoError(t, ReadSteps(files[0], func(e env.StepLogEntry) error {
		got = append(got, e)
		return nil
	}))
	require.Equal(t, want, got)
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewHourlyWriter(dir, "steps", Options{})
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	require.NoError(t, w.Write(env.StepLogEntry{Kind: env.EntryReset, Episode: 1}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, w.Write(env.StepLogEntry{Kind: env.EntryStep, Episode: 1, Step: 1}))
	require.NoError(t, w.Close())

	files, err := ListFiles(dir, "steps")
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "steps-2026-03-01-10.jsonl.zst"),
		filepath.Join(dir, "steps-2026-03-01-11.jsonl.zst"),
	}, files)
}

func TestWriterAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		l := NewStepLogger(dir)
		l.w.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
		require.NoError(t, l.WriteStep(env.StepLogEntry{Kind: env.EntryStep, Step: uint64(i + 1)}))
		require.NoError(t, l.Close())
	}
	files, err := ListFiles(StepDir(dir), StepFilePrefix)
	require.NoError(t, err)
	require.Len(t, files, 1)

	n := 0
	require.NoError(t, ReadSteps(files[0], func(env.StepLogEntry) error { n++; return nil }))
	require.Equal(t, 2, n)
}

func TestReadStepsStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	l := NewStepLogger(dir)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.WriteStep(env.StepLogEntry{Kind: env.EntryStep}))
	}
	require.NoError(t, l.Close())
	files, err := ListFiles(StepDir(dir), StepFilePrefix)
	require.NoError(t, err)

	stop := errors.New("stop")
	n := 0
	err = ReadSteps(files[0], func(env.StepLogEntry) error {
		n++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, n)
}

func TestListFilesIgnoresOthers(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"steps-2026-01-01-00.jsonl.zst", "audit-2026-01-01-00.jsonl.zst", "steps.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	files, err := ListFiles(dir, StepFilePrefix)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestWriterReportsClosedFiles(t *testing.T) {
	dir := t.TempDir()
	var closed []string
	w := NewHourlyWriter(dir, "steps", Options{OnClose: func(p string) { closed = append(closed, p) }})
	clock := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	require.NoError(t, w.Write(env.StepLogEntry{Kind: env.EntryReset, Episode: 1}))
	require.Empty(t, closed)
	clock = clock.Add(time.Hour)
	require.NoError(t, w.Write(env.StepLogEntry{Kind: env.EntryStep, Episode: 1, Step: 1}))
	require.Equal(t, []string{filepath.Join(dir, "steps-2026-03-01-10.jsonl.zst")}, closed)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Len(t, closed, 2)
	require.Equal(t, filepath.Join(dir, "steps-2026-03-01-11.jsonl.zst"), closed[1])

	// Writing after Close reopens the current hour.
	require.NoError(t, w.Write(env.StepLogEntry{Kind: env.EntryStep, Episode: 1, Step: 2}))
	require.NoError(t, w.Close())
	require.Len(t, closed, 3)
}
