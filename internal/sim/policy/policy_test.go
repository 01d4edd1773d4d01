package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

func TestFeasibleActions(t *testing.T) {
	// c0 surplus, c1 short, c2 balanced, c3 short.
	obs := []float64{30, 10, 2, 8, 5, 5, 0, 4}
	require.Equal(t, []int{0, 2}, FeasibleActions(obs))
	require.Nil(t, FeasibleActions(obs[:3]))
	require.Empty(t, FeasibleActions([]float64{1, 1, 1, 1, 1, 1, 1, 1}))
}

func TestFeasibleFallsBackToRandom(t *testing.T) {
	p := NewFeasible(1)
	for i := 0; i < 50; i++ {
		a := p.Act([]float64{1, 1, 1, 1, 1, 1, 1, 1})
		require.GreaterOrEqual(t, a, 0)
		require.Less(t, a, env.NumActions)
	}
}

func TestFeasibleNeverTakesInvalidStepWhenOneExists(t *testing.T) {
	e, err := env.New(env.Config{Tuning: tuning.Defaults()})
	require.NoError(t, err)
	obs, err := e.Reset()
	require.NoError(t, err)

	p := NewFeasible(3)
	for s := 0; s < 200 && !e.Done(); s++ {
		hasFeasible := len(FeasibleActions(obs)) > 0
		res, err := e.Step(p.Act(obs))
		require.NoError(t, err)
		if hasFeasible {
			require.NotEqual(t, -100.0, res.Reward)
		}
		obs = res.Observation
	}
}

func TestNew(t *testing.T) {
	p, err := New("random", 1)
	require.NoError(t, err)
	require.IsType(t, &Random{}, p)
	p, err = New("", 1)
	require.NoError(t, err)
	require.IsType(t, &Feasible{}, p)
	_, err = New("greedy", 1)
	require.Error(t, err)
}
