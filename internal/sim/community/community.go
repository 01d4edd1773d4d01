package community

import (
	"fmt"
	"math/rand"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/catalogs"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/tuning"
)

// Count is the fixed number of communities in the simulation.
const Count = 4

// UtilitySlots is 2 roles x 3 sentiment buckets x 2 regimes x 2 actions.
const UtilitySlots = 24

// Community is one resource-holding agent. It is created once and reused for
// every episode; only Available and Required are reset between episodes.
type Community struct {
	ID    int
	Karma float64

	Available float64
	Required  float64

	// Sentiments[j] is this community's disposition toward community j.
	// Only the recipient-accept path of Respond writes to it.
	Sentiments [Count]float64

	TriggerWords [catalogs.TriggerWordsPerCommunity]string
	Utilities    [UtilitySlots]float64

	// Conditions are the need conditions active right now, resampled each
	// time the community is nominated as a recipient.
	Conditions []string

	cfg        tuning.Decision
	conditions []string
	condProb   float64
}

// New creates community id. Trigger words are drawn without replacement from
// the catalog vocabulary using rng.
func New(id int, t tuning.Tuning, cats *catalogs.Catalogs, rng *rand.Rand) (*Community, error) {
	if id < 0 || id >= Count {
		return nil, fmt.Errorf("community id %d out of range", id)
	}
	if len(t.Sentiments) != Count || len(t.Sentiments[id]) != Count {
		return nil, fmt.Errorf("sentiment matrix must be %dx%d", Count, Count)
	}
	c := &Community{
		ID:         id,
		Karma:      t.InitialKarma,
		cfg:        t.Decision,
		conditions: cats.Texts(),
		condProb:   t.ConditionProbability,
	}
	copy(c.Sentiments[:], t.Sentiments[id])

	vocab := cats.TriggerVocabulary
	perm := rng.Perm(len(vocab))
	for i := range c.TriggerWords {
		c.TriggerWords[i] = vocab[perm[i]]
	}
	return c, nil
}

// SetResources installs this episode's resource levels.
func (c *Community) SetResources(available, required float64) {
	c.Available = available
	c.Required = required
}

// Configure swaps the decision knobs; learned state is untouched.
func (c *Community) Configure(t tuning.Tuning) {
	c.cfg = t.Decision
	c.condProb = t.ConditionProbability
}

// SampleConditions replaces the active need conditions. Each catalog
// condition is independently active with the configured probability.
func (c *Community) SampleConditions(rng *rand.Rand) []string {
	active := make([]string, 0, len(c.conditions))
	for _, cond := range c.conditions {
		if rng.Float64() < c.condProb {
			active = append(active, cond)
		}
	}
	c.Conditions = active
	return active
}

// Sufficient reports whether available resources cover the requirement.
func (c *Community) Sufficient() bool { return c.Available >= c.Required }

// Shortfall is max(0, required - available).
func (c *Community) Shortfall() float64 {
	if c.Available >= c.Required {
		return 0
	}
	return c.Required - c.Available
}

// AddKarma accrues karma. Negative deltas are ignored: karma never decreases.
func (c *Community) AddKarma(delta float64) {
	if delta > 0 {
		c.Karma += delta
	}
}

// KarmaPoints and CommunityID let the message bandit talk about its owner.
func (c *Community) KarmaPoints() float64 { return c.Karma }
func (c *Community) CommunityID() int     { return c.ID }

// State is the learned, long-lived part of a community.
type State struct {
	ID           int
	Karma        float64
	Sentiments   [Count]float64
	TriggerWords [catalogs.TriggerWordsPerCommunity]string
	Utilities    [UtilitySlots]float64
}

func (c *Community) State() State {
	return State{
		ID:           c.ID,
		Karma:        c.Karma,
		Sentiments:   c.Sentiments,
		TriggerWords: c.TriggerWords,
		Utilities:    c.Utilities,
	}
}

func (c *Community) Restore(s State) error {
	if err := c.CheckState(s); err != nil {
		return err
	}
	c.Load(s)
	return nil
}

// CheckState reports whether s can be restored into c.
func (c *Community) CheckState(s State) error {
	if s.ID != c.ID {
		return fmt.Errorf("restore community %d from state of %d", c.ID, s.ID)
	}
	for j, v := range s.Sentiments {
		if v < 0 || v > 1 {
			return fmt.Errorf("community %d: sentiment[%d]=%v outside [0,1]", c.ID, j, v)
		}
	}
	if s.Karma < 0 {
		return fmt.Errorf("community %d: negative karma %v", c.ID, s.Karma)
	}
	return nil
}

// Load installs s without checking it.
func (c *Community) Load(s State) {
	c.Karma = s.Karma
	c.Sentiments = s.Sentiments
	c.TriggerWords = s.TriggerWords
	c.Utilities = s.Utilities
}
