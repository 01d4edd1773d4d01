// Package policy holds stand-in action selectors for driving the env without
// a trained model: local runs, the bot client and smoke tests.
package policy

import (
	"fmt"
	"math/rand"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

type Policy interface {
	Act(observation []float64) int
}

// Random picks any of the actions uniformly, invalid pairs included.
type Random struct{ rng *rand.Rand }

func NewRandom(seed int64) *Random { return &Random{rng: rand.New(rand.NewSource(seed))} }

func (p *Random) Act([]float64) int { return p.rng.Intn(env.NumActions) }

// Feasible picks uniformly among pairs whose donor has a surplus and whose
// recipient is short, read off the resource prefix of the observation. With
// no such pair it behaves like Random.
type Feasible struct{ rng *rand.Rand }

func NewFeasible(seed int64) *Feasible { return &Feasible{rng: rand.New(rand.NewSource(seed))} }

func (p *Feasible) Act(obs []float64) int {
	cands := FeasibleActions(obs)
	if len(cands) == 0 {
		return p.rng.Intn(env.NumActions)
	}
	return cands[p.rng.Intn(len(cands))]
}

func FeasibleActions(obs []float64) []int {
	if len(obs) < 2*community.Count {
		return nil
	}
	var out []int
	for a := 0; a < env.NumActions; a++ {
		d, r, err := env.DecodeAction(a)
		if err != nil {
			continue
		}
		if obs[2*d] > obs[2*d+1] && obs[2*r] < obs[2*r+1] {
			out = append(out, a)
		}
	}
	return out
}

func New(name string, seed int64) (Policy, error) {
	switch name {
	case "random":
		return NewRandom(seed), nil
	case "feasible", "":
		return NewFeasible(seed), nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want random or feasible)", name)
	}
}
