package env

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

type memRecorder struct {
	steps    []StepLogEntry
	episodes []EpisodeSummary
}

func (m *memRecorder) WriteStep(e StepLogEntry) error      { m.steps = append(m.steps, e); return nil }
func (m *memRecorder) WriteEpisode(s EpisodeSummary) error { m.episodes = append(m.episodes, s); return nil }

func newTestEnv(t *testing.T, mutate func(*tuning.Tuning)) (*Env, *memRecorder) {
	t.Helper()
	tu := tuning.Defaults()
	if mutate != nil {
		mutate(&tu)
	}
	rec := &memRecorder{}
	e, err := New(Config{Tuning: tu, StepRecorders: []StepRecorder{rec}, EpisodeRecorders: []EpisodeRecorder{rec}})
	require.NoError(t, err)
	return e, rec
}

// starve makes every pair invalid: nobody has surplus to give.
func starve(e *Env) {
	for i := 0; i < community.Count; i++ {
		e.Community(i).SetResources(0, 10)
	}
}

func TestStepBeforeReset(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	_, err := e.Step(0)
	require.ErrorIs(t, err, ErrNotReset)
}

func TestResetObservation(t *testing.T) {
	e, rec := newTestEnv(t, nil)
	obs, err := e.Reset()
	require.NoError(t, err)
	require.Len(t, obs, 38)
	require.Equal(t, 38, e.ObservationLen())
	for _, v := range obs[8:] {
		require.Equal(t, -1.0, v)
	}
	for i := 0; i < community.Count; i++ {
		require.Equal(t, e.Community(i).Available, obs[2*i])
		require.Equal(t, e.Community(i).Required, obs[2*i+1])
	}
	require.Len(t, rec.steps, 1)
	require.Equal(t, EntryReset, rec.steps[0].Kind)
	require.Equal(t, uint64(1), e.Episode())
	require.NotEmpty(t, e.EpisodeID())
}

func TestStepRejectsInvalidActionWithoutSideEffects(t *testing.T) {
	e, rec := newTestEnv(t, nil)
	before, err := e.Reset()
	require.NoError(t, err)
	for _, a := range []int{-1, 12, 99} {
		_, err := e.Step(a)
		require.ErrorIs(t, err, ErrInvalidAction)
	}
	require.Equal(t, uint64(0), e.StepCount())
	require.Equal(t, before, e.Observation())
	require.Len(t, rec.steps, 1)
}

func TestStepShiftsActionWindow(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	_, err := e.Reset()
	require.NoError(t, err)
	starve(e)
	for _, a := range []int{3, 7, 11} {
		res, err := e.Step(a)
		require.NoError(t, err)
		require.Len(t, res.Observation, 38)
		require.Equal(t, float64(a), res.Observation[37])
	}
	obs := e.Observation()
	require.Equal(t, []float64{3, 7, 11}, obs[35:])
	require.Equal(t, -1.0, obs[34])
}

func TestInvalidStreakEndsEpisode(t *testing.T) {
	e, rec := newTestEnv(t, nil)
	_, err := e.Reset()
	require.NoError(t, err)
	starve(e)

	for i := 1; i <= 1000; i++ {
		res, err := e.Step(i % NumActions)
		require.NoError(t, err)
		require.Equal(t, -100.0, res.Reward)
		require.Equal(t, i == 1000, res.Done, "step %d", i)
	}
	_, err = e.Step(0)
	require.ErrorIs(t, err, ErrEpisodeDone)

	require.Len(t, rec.episodes, 1)
	s := rec.episodes[0]
	require.Equal(t, uint64(1000), s.Steps)
	require.Equal(t, 1000, s.InvalidSteps)
	require.Equal(t, -100000.0, s.TotalReward)
	require.False(t, s.Success)
	require.False(t, s.Truncated)
}

func TestValidStepResetsInvalidStreak(t *testing.T) {
	e, rec := newTestEnv(t, func(tu *tuning.Tuning) { tu.MaxInvalidStreak = 2 })
	_, err := e.Reset()
	require.NoError(t, err)
	starve(e)
	_, err = e.Step(0)
	require.NoError(t, err)

	e.Community(0).SetResources(20, 5)
	e.Community(1).SetResources(0, 5)
	res, err := e.Step(0)
	require.NoError(t, err)
	require.False(t, res.Done)
	last := rec.steps[len(rec.steps)-1]
	require.True(t, last.Valid)
	require.Zero(t, last.InvalidStreak)
}

func TestMutualAcceptTransfersAndCompletes(t *testing.T) {
	// Zero noise and zero utilities: ties go to accept on both sides.
	e, rec := newTestEnv(t, func(tu *tuning.Tuning) { tu.Decision.UtilityNoise = 0 })
	_, err := e.Reset()
	require.NoError(t, err)
	e.Community(0).SetResources(20, 5)
	e.Community(1).SetResources(4, 5)
	e.Community(2).SetResources(10, 10)
	e.Community(3).SetResources(10, 3)
	karma := e.Community(0).Karma

	a, err := EncodeAction(0, 1)
	require.NoError(t, err)
	res, err := e.Step(a)
	require.NoError(t, err)
	require.True(t, res.Done)
	require.Equal(t, 250.0+10000.0, res.Reward)
	require.Equal(t, 19.0, e.Community(0).Available)
	require.Equal(t, 5.0, e.Community(1).Available)
	require.InDelta(t, karma+0.0001, e.Community(0).Karma, 1e-12)

	last := rec.steps[len(rec.steps)-1]
	require.True(t, last.Success)
	require.Equal(t, 1.0, last.Transfer)
	require.NotNil(t, last.DonorDecision)
	require.NotNil(t, last.RecipientDecision)
	require.Contains(t, last.Feedback, "Community 0")
	require.Len(t, rec.episodes, 1)
	require.True(t, rec.episodes[0].Success)
	require.Equal(t, 1, rec.episodes[0].Transactions)
}

func TestNonTerminalRewardSubtractsInsufficiency(t *testing.T) {
	e, _ := newTestEnv(t, func(tu *tuning.Tuning) { tu.Decision.UtilityNoise = 0 })
	_, err := e.Reset()
	require.NoError(t, err)
	e.Community(0).SetResources(20, 5)
	e.Community(1).SetResources(2, 5)
	e.Community(2).SetResources(1, 4)
	e.Community(3).SetResources(10, 3)

	res, err := e.Step(0)
	require.NoError(t, err)
	require.False(t, res.Done)
	// Shortfalls after the transfer: 2 + 3.
	require.Equal(t, 50.0+250.0-5.0, res.Reward)
}

func TestResetMidEpisodeEmitsTruncatedSummary(t *testing.T) {
	e, rec := newTestEnv(t, nil)
	_, err := e.Reset()
	require.NoError(t, err)
	starve(e)
	_, err = e.Step(5)
	require.NoError(t, err)
	_, err = e.Reset()
	require.NoError(t, err)
	require.Len(t, rec.episodes, 1)
	require.True(t, rec.episodes[0].Truncated)
	require.Equal(t, uint64(2), e.Episode())
}

func TestKarmaNeverDecreasesOverEpisodes(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	rng := rand.New(rand.NewSource(3))
	prev := make([]float64, community.Count)
	for i := range prev {
		prev[i] = e.Community(i).Karma
	}
	for ep := 0; ep < 3; ep++ {
		_, err := e.Reset()
		require.NoError(t, err)
		for s := 0; s < 300 && !e.Done(); s++ {
			_, err := e.Step(rng.Intn(NumActions))
			require.NoError(t, err)
			for i := range prev {
				k := e.Community(i).Karma
				require.GreaterOrEqual(t, k, prev[i])
				prev[i] = k
			}
		}
	}
}

func TestSameSeedSameTrajectory(t *testing.T) {
	run := func() ([]float64, [][]float64) {
		e, _ := newTestEnv(t, nil)
		rng := rand.New(rand.NewSource(11))
		var rewards []float64
		var obs [][]float64
		for ep := 0; ep < 2; ep++ {
			o, err := e.Reset()
			require.NoError(t, err)
			obs = append(obs, o)
			for s := 0; s < 200 && !e.Done(); s++ {
				res, err := e.Step(rng.Intn(NumActions))
				require.NoError(t, err)
				rewards = append(rewards, res.Reward)
				obs = append(obs, res.Observation)
			}
		}
		return rewards, obs
	}
	r1, o1 := run()
	r2, o2 := run()
	require.Equal(t, r1, r2)
	require.Equal(t, o1, o2)
}

func TestSeedOverride(t *testing.T) {
	e, err := New(Config{Tuning: tuning.Defaults(), Seed: 99})
	require.NoError(t, err)
	require.Equal(t, int64(99), e.Seed())
}

func TestApplyTuningWaitsForReset(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	_, err := e.Reset()
	require.NoError(t, err)

	next := tuning.Defaults()
	next.Rewards.InvalidPenalty = -7
	next.Seed = 4242
	require.NoError(t, e.ApplyTuning(next))

	starve(e)
	res, err := e.Step(0)
	require.NoError(t, err)
	require.Equal(t, -100.0, res.Reward)

	_, err = e.Reset()
	require.NoError(t, err)
	starve(e)
	res, err = e.Step(0)
	require.NoError(t, err)
	require.Equal(t, -7.0, res.Reward)
	require.Equal(t, tuning.Defaults().Seed, e.Tuning().Seed)

	bad := tuning.Defaults()
	bad.PrevActionsLen = 0
	require.Error(t, e.ApplyTuning(bad))
}

func TestApplyTuningKeepsObservationLength(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	obs, err := e.Reset()
	require.NoError(t, err)
	require.Len(t, obs, 38)

	shorter := tuning.Defaults()
	shorter.PrevActionsLen = 5
	require.ErrorIs(t, e.ApplyTuning(shorter), ErrShapeChange)

	obs, err = e.Reset()
	require.NoError(t, err)
	require.Len(t, obs, 38)
	require.Equal(t, 38, e.ObservationLen())
}

func TestFailedNudgeLeavesStateUntouched(t *testing.T) {
	e, rec := newTestEnv(t, func(tu *tuning.Tuning) { tu.Decision.UtilityNoise = 0 })
	_, err := e.Reset()
	require.NoError(t, err)
	e.Community(0).SetResources(50, 20)
	e.Community(1).SetResources(10, 40)
	e.Community(2).SetResources(0, 10)
	e.Community(3).SetResources(0, 10)

	// The donor accepts and learns; the recipient's reward then overflows.
	broken := e.Tuning()
	broken.Decision.RecipientFactor = math.Inf(1)
	e.Community(1).Configure(broken)

	before := e.Observation()
	donor, recipient := e.Community(0).State(), e.Community(1).State()
	conds := e.Community(1).Conditions
	mb := e.Bandit(0).State()

	_, err = e.Step(0)
	require.ErrorIs(t, err, community.ErrDegenerateReward)

	require.Equal(t, uint64(0), e.StepCount())
	require.Equal(t, before, e.Observation())
	require.Equal(t, donor, e.Community(0).State())
	require.Equal(t, recipient, e.Community(1).State())
	require.Equal(t, conds, e.Community(1).Conditions)
	require.Equal(t, mb, e.Bandit(0).State())
	require.Len(t, rec.steps, 1)
	require.False(t, e.Done())

	e.Community(1).Configure(e.Tuning())
	res, err := e.Step(0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.StepCount())
	require.Equal(t, 0.0, res.Observation[len(res.Observation)-1])
}

func TestImportStateIsAllOrNothing(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	before := e.ExportState()

	st := e.ExportState()
	st.Communities[0].Karma = 42
	st.Communities[2].Karma = -1
	require.Error(t, e.ImportState(st))
	require.Equal(t, before, e.ExportState())

	st = e.ExportState()
	st.Communities[0].Karma = 42
	st.Bandits[3].Probs = []float64{1}
	require.Error(t, e.ImportState(st))
	require.Equal(t, before, e.ExportState())
}

func TestExportImportState(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	rng := rand.New(rand.NewSource(5))
	_, err := e.Reset()
	require.NoError(t, err)
	for s := 0; s < 100 && !e.Done(); s++ {
		_, err := e.Step(rng.Intn(NumActions))
		require.NoError(t, err)
	}
	st := e.ExportState()
	require.Len(t, st.Communities, community.Count)
	require.Len(t, st.Bandits, community.Count)

	fresh, _ := newTestEnv(t, nil)
	require.NoError(t, fresh.ImportState(st))
	require.Equal(t, st, fresh.ExportState())
	require.Equal(t, uint64(1), fresh.Episode())
	_, err = fresh.Step(0)
	require.ErrorIs(t, err, ErrNotReset)
	_, err = fresh.Reset()
	require.NoError(t, err)
	require.Equal(t, uint64(2), fresh.Episode())

	require.Error(t, fresh.ImportState(LearnedState{}))
}
