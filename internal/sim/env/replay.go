package env

import (
	"errors"
	"fmt"
	"math"
)

var ErrReplayMismatch = errors.New("env: replay mismatch")

// Replay re-executes one recorded entry and checks that this env produces
// the same reward, done flag and observation. Episode ids are not compared;
// they are random.
func (e *Env) Replay(entry StepLogEntry) error {
	switch entry.Kind {
	case EntryReset:
		obs, err := e.Reset()
		if err != nil {
			return err
		}
		if e.episode != entry.Episode {
			return fmt.Errorf("%w: reset episode %d, log has %d", ErrReplayMismatch, e.episode, entry.Episode)
		}
		return compareObs(entry, obs)
	case EntryStep:
		if e.episode != entry.Episode || e.step+1 != entry.Step {
			return fmt.Errorf("%w: at episode %d step %d, log has episode %d step %d",
				ErrReplayMismatch, e.episode, e.step, entry.Episode, entry.Step)
		}
		res, err := e.Step(entry.Action)
		if err != nil {
			return err
		}
		if !sameFloat(res.Reward, entry.Reward) {
			return fmt.Errorf("%w: episode %d step %d reward %v, log has %v",
				ErrReplayMismatch, entry.Episode, entry.Step, res.Reward, entry.Reward)
		}
		if res.Done != entry.Done {
			return fmt.Errorf("%w: episode %d step %d done=%v, log has %v",
				ErrReplayMismatch, entry.Episode, entry.Step, res.Done, entry.Done)
		}
		return compareObs(entry, res.Observation)
	default:
		return fmt.Errorf("%w: unknown entry kind %q", ErrReplayMismatch, entry.Kind)
	}
}

func compareObs(entry StepLogEntry, got []float64) error {
	if len(got) != len(entry.Observation) {
		return fmt.Errorf("%w: episode %d step %d observation length %d, log has %d",
			ErrReplayMismatch, entry.Episode, entry.Step, len(got), len(entry.Observation))
	}
	for i := range got {
		if !sameFloat(got[i], entry.Observation[i]) {
			return fmt.Errorf("%w: episode %d step %d observation[%d]=%v, log has %v",
				ErrReplayMismatch, entry.Episode, entry.Step, i, got[i], entry.Observation[i])
		}
	}
	return nil
}

// sameFloat tolerates the last-digit drift of a JSON round trip.
func sameFloat(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
