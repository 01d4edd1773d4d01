package env

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

func TestAllocateResourcesIsInsufficientButSolvable(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	a := tuning.Defaults().Allocation
	for i := 0; i < 300; i++ {
		karma := []float64{1 + rng.Float64(), 1, 1 + 3*rng.Float64(), 1.0001}
		avail, req, err := allocateResources(rng, karma, a)
		require.NoError(t, err)
		require.Len(t, avail, 4)
		require.GreaterOrEqual(t, sumOf(avail), sumOf(req))
		require.True(t, anyShort(avail, req))
		for j := range req {
			require.GreaterOrEqual(t, req[j], 0.0)
			require.LessOrEqual(t, req[j], float64(a.TotalRequired/4))
			require.GreaterOrEqual(t, avail[j], 0.0)
		}
	}
}

func TestAllocateResourcesExhausted(t *testing.T) {
	a := tuning.Defaults().Allocation
	// Nothing to hand out and nothing required: never insufficient.
	a.TotalAvailable, a.TotalRequired, a.AgencyMin, a.AgencyMax = 0, 0, 0, 0
	a.MaxAttempts = 50
	_, _, err := allocateResources(rand.New(rand.NewSource(1)), []float64{1, 1, 1, 1}, a)
	require.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestAgencyAllocateFollowsKarma(t *testing.T) {
	require.Equal(t, []float64{10, 10, 10, 10}, agencyAllocate(40, []float64{1, 1, 1, 1}))
	require.Equal(t, []float64{20, 10, 10, 0}, agencyAllocate(40, []float64{2, 1, 1, 0}))
	// 30/4 = 7.5 rounds to even.
	require.Equal(t, []float64{8, 8, 8, 8}, agencyAllocate(30, []float64{0, 0, 0, 0}))
	require.Equal(t, []float64{2, 2}, agencyAllocate(5, []float64{1, 1}))
}
