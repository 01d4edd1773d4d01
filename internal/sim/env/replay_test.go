package env

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

func recordRun(t *testing.T, episodes, steps int) []StepLogEntry {
	t.Helper()
	e, rec := newTestEnv(t, nil)
	rng := rand.New(rand.NewSource(17))
	for ep := 0; ep < episodes; ep++ {
		_, err := e.Reset()
		require.NoError(t, err)
		for s := 0; s < steps && !e.Done(); s++ {
			_, err := e.Step(rng.Intn(NumActions))
			require.NoError(t, err)
		}
	}
	return rec.steps
}

func TestReplayMatchesRecording(t *testing.T) {
	entries := recordRun(t, 3, 150)
	require.Equal(t, EntryReset, entries[0].Kind)
	require.Equal(t, int64(1337), entries[0].Seed)

	fresh, _ := newTestEnv(t, nil)
	for _, entry := range entries {
		require.NoError(t, fresh.Replay(entry))
	}
}

func TestReplayDetectsTampering(t *testing.T) {
	entries := recordRun(t, 1, 40)
	entries[10].Reward += 1

	fresh, _ := newTestEnv(t, nil)
	var err error
	for _, entry := range entries {
		if err = fresh.Replay(entry); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrReplayMismatch)
}

func TestReplayDetectsDifferentSeed(t *testing.T) {
	entries := recordRun(t, 1, 5)
	other, err := New(Config{Tuning: tuning.Defaults(), Seed: 4})
	require.NoError(t, err)
	require.ErrorIs(t, other.Replay(entries[0]), ErrReplayMismatch)
}
