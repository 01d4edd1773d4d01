package bandit

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

// NoOption is returned by Suggest when the fallback message was used.
const NoOption = -1

var ErrUnknownOption = errors.New("bandit: unknown option")

// epsilon keeps every template drawable after masking.
const epsilon = 2.220446049250313e-16

// Owner is the community whose outbound nudges this bandit words.
type Owner interface {
	CommunityID() int
	KarmaPoints() float64
}

// MessageBandit picks nudge wording for one donor community and learns from
// whether the donor accepted. It lives for the whole process.
type MessageBandit struct {
	owner Owner
	cfg   tuning.Bandit

	templates        []string
	feedback         []string
	fallback         string
	fallbackFeedback string

	probs            []float64
	weights          []float64
	cumulativeReward float64
}

func New(owner Owner, cfg tuning.Bandit, cats *catalogs.Catalogs) *MessageBandit {
	n := len(cats.Conditions)
	b := &MessageBandit{
		owner:            owner,
		cfg:              cfg,
		templates:        make([]string, n),
		feedback:         make([]string, n),
		fallback:         cats.FallbackMessage,
		fallbackFeedback: cats.FallbackFeedback,
		probs:            make([]float64, n),
		weights:          make([]float64, n),
	}
	for i, c := range cats.Conditions {
		b.templates[i] = c.Text
		b.feedback[i] = c.Feedback
		b.probs[i] = 1 / float64(n)
		b.weights[i] = cfg.InitialWeight
	}
	return b
}

// Configure swaps the learning constants without touching learned state.
func (b *MessageBandit) Configure(cfg tuning.Bandit) { b.cfg = cfg }

// Suggest picks a template whose condition is currently true in the
// recipient. With nothing active it returns the fallback and NoOption.
func (b *MessageBandit) Suggest(rng *rand.Rand, active []string) (string, int) {
	if len(active) == 0 {
		return b.fallback, NoOption
	}
	present := make(map[string]struct{}, len(active))
	for _, a := range active {
		present[a] = struct{}{}
	}

	wts := make([]float64, len(b.templates))
	sum := 0.0
	for i, tmpl := range b.templates {
		mask := 0.0
		if _, ok := present[tmpl]; ok {
			mask = 1
		}
		wts[i] = b.probs[i]*mask + epsilon
		sum += wts[i]
	}
	for i := range wts {
		wts[i] /= sum
	}
	opt := weightedSample(wts, rng)
	return b.templates[opt], opt
}

// Learn reinforces option with the donor's response. NoOption is a no-op.
func (b *MessageBandit) Learn(option int, accepted bool) error {
	if option == NoOption {
		return nil
	}
	if option < 0 || option >= len(b.templates) {
		return fmt.Errorf("%w: %d", ErrUnknownOption, option)
	}
	reward := 0.0
	if accepted {
		reward = 1
	}
	b.weights[option] = b.cfg.Decay*b.weights[option] + b.cfg.RewardWeight*reward
	nw := b.normalizedWeight(option)
	b.probs[option] = nw*(1-b.cfg.ExplorationRate) + b.cfg.ExplorationFloor*b.cfg.ExplorationRate
	b.normalizeProbs()
	b.cumulativeReward += reward
	return nil
}

// Feedback is the thank-you line shown after a completed transaction.
func (b *MessageBandit) Feedback(option int) string {
	line := b.fallbackFeedback
	if option >= 0 && option < len(b.feedback) {
		line = b.feedback[option]
	}
	return fmt.Sprintf("%s Thank you, Community %d! You now have %v karma points.",
		line, b.owner.CommunityID(), b.owner.KarmaPoints())
}

func (b *MessageBandit) normalizedWeight(option int) float64 {
	minW, maxW := b.weights[0], b.weights[0]
	for _, w := range b.weights[1:] {
		minW = math.Min(minW, w)
		maxW = math.Max(maxW, w)
	}
	if maxW == minW {
		if maxW == 0 {
			return 0
		}
		return b.weights[option] / maxW
	}
	return (b.weights[option] - minW) / (maxW - minW)
}

func (b *MessageBandit) normalizeProbs() {
	minP := b.probs[0]
	for _, p := range b.probs[1:] {
		minP = math.Min(minP, p)
	}
	if minP < 0 {
		shift := math.Abs(minP)
		for i := range b.probs {
			b.probs[i] += shift
		}
	}
	sum := 0.0
	for _, p := range b.probs {
		sum += p
	}
	if sum == 0 {
		for i := range b.probs {
			b.probs[i] = 1 / float64(len(b.probs))
		}
		return
	}
	for i := range b.probs {
		b.probs[i] /= sum
	}
}

// weightedSample draws an index from a normalized distribution.
func weightedSample(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}

func (b *MessageBandit) Probabilities() []float64  { return append([]float64(nil), b.probs...) }
func (b *MessageBandit) Weights() []float64        { return append([]float64(nil), b.weights...) }
func (b *MessageBandit) CumulativeReward() float64 { return b.cumulativeReward }
func (b *MessageBandit) Templates() []string       { return append([]string(nil), b.templates...) }

// State is the persisted learning state.
type State struct {
	Probs            []float64
	Weights          []float64
	CumulativeReward float64
}

func (b *MessageBandit) State() State {
	return State{Probs: b.Probabilities(), Weights: b.Weights(), CumulativeReward: b.cumulativeReward}
}

func (b *MessageBandit) Restore(s State) error {
	if err := b.CheckState(s); err != nil {
		return err
	}
	b.Load(s)
	return nil
}

// CheckState reports whether s fits this bandit's catalog and is a
// probability vector.
func (b *MessageBandit) CheckState(s State) error {
	if len(s.Probs) != len(b.templates) || len(s.Weights) != len(b.templates) {
		return fmt.Errorf("bandit state has %d/%d entries, catalog has %d templates",
			len(s.Probs), len(s.Weights), len(b.templates))
	}
	sum := 0.0
	for _, p := range s.Probs {
		if p < 0 || math.IsNaN(p) {
			return fmt.Errorf("bandit state: bad probability %v", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("bandit state: probabilities sum to %v", sum)
	}
	return nil
}

// Load installs s without checking it.
func (b *MessageBandit) Load(s State) {
	copy(b.probs, s.Probs)
	copy(b.weights, s.Weights)
	b.cumulativeReward = s.CumulativeReward
}
