package community

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

func TestNewDrawsDistinctTriggerWords(t *testing.T) {
	cats := catalogs.Defaults()
	rng := rand.New(rand.NewSource(11))
	for id := 0; id < Count; id++ {
		c, err := New(id, tuning.Defaults(), cats, rng)
		require.NoError(t, err)
		require.NotEqual(t, c.TriggerWords[0], c.TriggerWords[1])
		for _, w := range c.TriggerWords {
			require.Contains(t, cats.TriggerVocabulary, w)
		}
		require.Equal(t, 1.0, c.Sentiments[id])
		require.Equal(t, 1.0, c.Karma)
	}

	_, err := New(Count, tuning.Defaults(), cats, rng)
	require.Error(t, err)
}

func TestSampleConditionsUsesCatalogTexts(t *testing.T) {
	cats := catalogs.Defaults()
	c, err := New(0, tuning.Defaults(), cats, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	sawEmpty, sawSome := false, false
	for i := 0; i < 200; i++ {
		active := c.SampleConditions(rng)
		require.Equal(t, active, c.Conditions)
		for _, cond := range active {
			require.Contains(t, cats.Texts(), cond)
		}
		if len(active) == 0 {
			sawEmpty = true
		} else {
			sawSome = true
		}
	}
	require.True(t, sawEmpty)
	require.True(t, sawSome)
}

func TestSampleConditionsProbabilityExtremes(t *testing.T) {
	tune := tuning.Defaults()
	tune.ConditionProbability = 0
	c, err := New(0, tune, catalogs.Defaults(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Empty(t, c.SampleConditions(rand.New(rand.NewSource(1))))

	tune.ConditionProbability = 1
	c.Configure(tune)
	require.Len(t, c.SampleConditions(rand.New(rand.NewSource(1))), 4)
}

func TestKarmaNeverDecreases(t *testing.T) {
	c, err := New(2, tuning.Defaults(), catalogs.Defaults(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	c.AddKarma(0.5)
	c.AddKarma(-10)
	require.Equal(t, 1.5, c.Karma)
}

func TestStateRestore(t *testing.T) {
	c, err := New(1, tuning.Defaults(), catalogs.Defaults(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	c.Utilities[5] = 3.25
	c.Karma = 1.0003
	st := c.State()

	fresh, err := New(1, tuning.Defaults(), catalogs.Defaults(), rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	require.NoError(t, fresh.Restore(st))
	require.Equal(t, st, fresh.State())

	other, err := New(2, tuning.Defaults(), catalogs.Defaults(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Error(t, other.Restore(st))

	st.Sentiments[0] = 1.5
	require.Error(t, fresh.Restore(st))
}
