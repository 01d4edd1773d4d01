package tuning

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestRepoTuningMatchesDefaults(t *testing.T) {
	got, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), got)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 7\nrewards:\n  transaction_bonus: 300\n"), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Seed)
	require.Equal(t, 300.0, got.Rewards.TransactionBonus)
	require.Equal(t, 10000.0, got.Rewards.TerminalBonus)
	require.Equal(t, 30, got.PrevActionsLen)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("condition_probability: 2\nallocation:\n  agency_min: 60\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "condition_probability")
	require.ErrorContains(t, err, "agency range")
}

func TestValidateDecisionAndBanditKnobs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Tuning)
		want   string
	}{
		{"zero trigger factor", func(t *Tuning) { t.Decision.TriggerFactor = 0 }, "trigger_factor"},
		{"negative trigger factor", func(t *Tuning) { t.Decision.TriggerFactor = -1.5 }, "trigger_factor"},
		{"negative recipient factor", func(t *Tuning) { t.Decision.RecipientFactor = -0.1 }, "recipient_factor"},
		{"infinite recipient factor", func(t *Tuning) { t.Decision.RecipientFactor = math.Inf(1) }, "recipient_factor"},
		{"zero desperate ratio", func(t *Tuning) { t.Decision.DesperateRatio = 0 }, "desperate_ratio"},
		{"desperate ratio above one", func(t *Tuning) { t.Decision.DesperateRatio = 1.2 }, "desperate_ratio"},
		{"surplus ratio below one", func(t *Tuning) { t.Decision.SurplusRatio = 0.9 }, "surplus_ratio"},
		{"negative noise", func(t *Tuning) { t.Decision.UtilityNoise = -1 }, "utility_noise"},
		{"decay above one", func(t *Tuning) { t.Bandit.Decay = 1.5 }, "bandit.decay"},
		{"negative reward weight", func(t *Tuning) { t.Bandit.RewardWeight = -0.8 }, "bandit.reward_weight"},
		{"exploration floor above one", func(t *Tuning) { t.Bandit.ExplorationFloor = 2 }, "bandit.exploration_floor"},
		{"nan exploration floor", func(t *Tuning) { t.Bandit.ExplorationFloor = math.NaN() }, "bandit.exploration_floor"},
		{"negative initial weight", func(t *Tuning) { t.Bandit.InitialWeight = -1 }, "bandit.initial_weight"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tu := Defaults()
			tc.mutate(&tu)
			require.ErrorContains(t, tu.Validate(), tc.want)
		})
	}

	edge := Defaults()
	edge.Decision.DesperateRatio = 1
	edge.Decision.SurplusRatio = 1
	edge.Decision.RecipientFactor = 0
	require.NoError(t, edge.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatcherAppliesValidChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 1\n"), 0o644))

	applied := make(chan Tuning, 4)
	w := NewWatcher(path, nil, func(_ context.Context, t Tuning) error {
		applied <- t
		return nil
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("seed: 99\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("condition_probability: 5\n"), 0o644))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("seed: 42\n"), 0o644))

	select {
	case got := <-applied:
		require.Equal(t, int64(42), got.Seed)
	case <-time.After(3 * time.Second):
		t.Fatal("tuning change not applied")
	}
	require.Empty(t, applied)
}
