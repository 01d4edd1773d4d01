package env

import (
	"errors"
	"math"
	"math/rand"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

var ErrAllocationExhausted = errors.New("env: could not draw an insufficient but solvable allocation")

// allocateResources draws one episode's resource levels. An agency splits a
// random pool by karma share; each community also holds a random private
// amount. Draws are retried until the total is enough for everyone but the
// distribution leaves at least one community short.
func allocateResources(rng *rand.Rand, karma []float64, a tuning.Allocation) (avail, req []float64, err error) {
	n := len(karma)
	for attempt := 0; attempt < a.MaxAttempts; attempt++ {
		pool := a.AgencyMin + rng.Intn(a.AgencyMax-a.AgencyMin+1)
		share := agencyAllocate(pool, karma)

		req = make([]float64, n)
		for i := range req {
			req[i] = float64(rng.Intn(a.TotalRequired/n + 1))
		}
		avail = make([]float64, n)
		private := (a.TotalAvailable - pool) / n
		for i := range avail {
			avail[i] = share[i] + float64(rng.Intn(private+1))
		}

		if sumOf(avail) >= sumOf(req) && anyShort(avail, req) {
			return avail, req, nil
		}
	}
	return nil, nil, ErrAllocationExhausted
}

// agencyAllocate splits pool proportionally to karma, rounding half to even.
func agencyAllocate(pool int, karma []float64) []float64 {
	out := make([]float64, len(karma))
	total := sumOf(karma)
	for i, k := range karma {
		if total <= 0 {
			out[i] = math.RoundToEven(float64(pool) / float64(len(karma)))
			continue
		}
		out[i] = math.RoundToEven(float64(pool) * k / total)
	}
	return out
}

func anyShort(avail, req []float64) bool {
	for i := range avail {
		if avail[i] < req[i] {
			return true
		}
	}
	return false
}

func sumOf(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}
