package env

import (
	"fmt"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/bandit"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
)

// LearnedState is everything that outlives an episode.
type LearnedState struct {
	Seed        int64
	Episode     uint64
	Communities []community.State
	Bandits     []bandit.State
}

func (e *Env) ExportState() LearnedState {
	st := LearnedState{Seed: e.seed, Episode: e.episode}
	for i, c := range e.communities {
		st.Communities = append(st.Communities, c.State())
		st.Bandits = append(st.Bandits, e.bandits[i].State())
	}
	return st
}

// ImportState restores learned state and leaves the env waiting for Reset.
// The rng is reseeded from seed+episode so a resumed run is reproducible.
func (e *Env) ImportState(st LearnedState) error {
	if len(st.Communities) != community.Count || len(st.Bandits) != community.Count {
		return fmt.Errorf("state has %d communities and %d bandits, want %d",
			len(st.Communities), len(st.Bandits), community.Count)
	}
	for i, c := range e.communities {
		if err := c.CheckState(st.Communities[i]); err != nil {
			return err
		}
		if err := e.bandits[i].CheckState(st.Bandits[i]); err != nil {
			return fmt.Errorf("bandit %d: %w", i, err)
		}
	}
	for i, c := range e.communities {
		c.Load(st.Communities[i])
		e.bandits[i].Load(st.Bandits[i])
	}
	e.seed = st.Seed
	e.episode = st.Episode
	e.rng.Seed(st.Seed + int64(st.Episode))
	e.started = false
	e.done = false
	return nil
}
