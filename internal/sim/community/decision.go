package community

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"unicode"
)

var (
	// ErrDegenerateReward is returned when a reward formula would divide by
	// zero or produce a non-finite value.
	ErrDegenerateReward = errors.New("community: degenerate reward")
	ErrMissingMessage   = errors.New("community: donor decision needs a nudge message")
	ErrBadCounterpart   = errors.New("community: bad counterpart")
)

type Role int

const (
	Donor Role = iota
	Recipient
)

func (r Role) String() string {
	if r == Recipient {
		return "recipient"
	}
	return "donor"
}

// Sentiment buckets, in utility-slot order.
type Sentiment int

const (
	Neutral Sentiment = iota
	Positive
	Negative
)

func (s Sentiment) String() string {
	switch s {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "neutral"
	}
}

// BucketSentiment maps a relationship value onto its bucket.
func BucketSentiment(v float64) Sentiment {
	switch {
	case v >= 0.4 && v <= 0.6:
		return Neutral
	case v < 0.4:
		return Negative
	default:
		return Positive
	}
}

// Regime is the resource-sufficiency bucket. Surplus/Maintenance apply to
// donors, Desirable/Desperate to recipients.
type Regime int

const (
	Surplus Regime = iota
	Maintenance
	Desirable
	Desperate
)

func (r Regime) String() string {
	switch r {
	case Surplus:
		return "surplus"
	case Maintenance:
		return "maintenance"
	case Desirable:
		return "desirable"
	default:
		return "desperate"
	}
}

// index is the regime's position inside its role: 0 for surplus/desirable.
func (r Regime) index() int {
	if r == Maintenance || r == Desperate {
		return 1
	}
	return 0
}

type Action int

const (
	Accept Action = iota
	Reject
)

func (a Action) String() string {
	if a == Reject {
		return "reject"
	}
	return "accept"
}

// Slot returns the utility index of a decision cell's action.
func Slot(role Role, s Sentiment, r Regime, a Action) int {
	base := 0
	if role == Recipient {
		base = UtilitySlots / 2
	}
	return base + 4*int(s) + 2*r.index() + int(a)
}

// ProductionName names a cell action, e.g. positive_surplus_accept or
// negative_desperate_reject_donation.
func ProductionName(role Role, s Sentiment, r Regime, a Action) string {
	name := s.String() + "_" + r.String() + "_" + a.String()
	if role == Recipient {
		name += "_donation"
	}
	return name
}

type Request struct {
	Role        Role
	Counterpart int
	// Message is the nudge shown to a donor. Recipients get none.
	Message string
}

// Outcome is the ephemeral record of one decision.
type Outcome struct {
	Community      int
	Role           Role
	Counterpart    int
	SentimentValue float64
	Sentiment      Sentiment
	Regime         Regime
	Action         Action
	Production     string
	Reward         float64
	Utility        float64
	Accepted       bool
}

// Regime resolves the sufficiency bucket for role from current resources.
func (c *Community) Regime(role Role) Regime {
	if role == Donor {
		if c.Available >= c.cfg.SurplusRatio*c.Required {
			return Surplus
		}
		return Maintenance
	}
	if c.Available <= c.cfg.DesperateRatio*c.Required {
		return Desperate
	}
	return Desirable
}

// Respond decides whether to go along with a nudge, learns from the reward of
// the chosen action and, for an accepting recipient, warms up toward the donor.
func (c *Community) Respond(rng *rand.Rand, req Request) (Outcome, error) {
	if req.Counterpart < 0 || req.Counterpart >= Count || req.Counterpart == c.ID {
		return Outcome{}, fmt.Errorf("%w: %d for community %d", ErrBadCounterpart, req.Counterpart, c.ID)
	}
	if req.Role == Donor && strings.TrimSpace(req.Message) == "" {
		return Outcome{}, ErrMissingMessage
	}

	v := c.Sentiments[req.Counterpart]
	sent := BucketSentiment(v)
	regime := c.Regime(req.Role)

	acceptSlot := Slot(req.Role, sent, regime, Accept)
	rejectSlot := Slot(req.Role, sent, regime, Reject)
	acceptScore := c.Utilities[acceptSlot] + logisticNoise(rng, c.cfg.UtilityNoise)
	rejectScore := c.Utilities[rejectSlot] + logisticNoise(rng, c.cfg.UtilityNoise)

	action, slot := Accept, acceptSlot
	if rejectScore > acceptScore {
		action, slot = Reject, rejectSlot
	}

	reward, err := c.Reward(req.Role, action, req.Counterpart, req.Message)
	if err != nil {
		return Outcome{}, err
	}
	u := c.Utilities[slot]
	u += c.cfg.UtilityLearningRate * (reward - u)
	c.Utilities[slot] = u

	accepted := action == Accept
	if accepted && req.Role == Recipient {
		c.Sentiments[req.Counterpart] = math.Min(c.Sentiments[req.Counterpart]*c.cfg.SentimentGrowth, 1)
	}

	return Outcome{
		Community:      c.ID,
		Role:           req.Role,
		Counterpart:    req.Counterpart,
		SentimentValue: v,
		Sentiment:      sent,
		Regime:         regime,
		Action:         action,
		Production:     ProductionName(req.Role, sent, regime, action),
		Reward:         reward,
		Utility:        u,
		Accepted:       accepted,
	}, nil
}

// Reward computes the shaping reward of taking action in role toward
// counterpart. It does not mutate the community.
func (c *Community) Reward(role Role, action Action, counterpart int, message string) (float64, error) {
	if counterpart < 0 || counterpart >= Count {
		return 0, fmt.Errorf("%w: %d", ErrBadCounterpart, counterpart)
	}
	avail, req := c.Available, c.Required
	if avail == req {
		return 0, nil
	}
	v := c.Sentiments[counterpart]

	var r float64
	switch role {
	case Donor:
		tf := math.Pow(c.cfg.TriggerFactor, float64(TriggerMatches(c.TriggerWords[:], message)))
		if action == Accept {
			r = tf * v * (avail - req)
		} else {
			d := avail - req
			if d == 0 {
				return 0, fmt.Errorf("%w: donor reject at available == required", ErrDegenerateReward)
			}
			r = (1 / tf) * (1 - v) * req / d
		}
	default:
		if action == Accept {
			r = c.cfg.RecipientFactor * v * (req - avail)
		} else {
			d := req - avail
			if d == 0 {
				return 0, fmt.Errorf("%w: recipient reject at available == required", ErrDegenerateReward)
			}
			r = c.cfg.RecipientFactor * (1 - v) * avail / d
		}
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, fmt.Errorf("%w: %v", ErrDegenerateReward, r)
	}
	return r, nil
}

// TriggerMatches counts how many of words appear in message as whole
// tokens, case-insensitively. Tokens split on whitespace and punctuation.
func TriggerMatches(words []string, message string) int {
	if message == "" {
		return 0
	}
	tokens := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) {
		tokens[tok] = struct{}{}
	}
	n := 0
	for _, w := range words {
		if _, ok := tokens[strings.ToLower(w)]; ok && w != "" {
			n++
		}
	}
	return n
}

// logisticNoise draws from a logistic distribution with scale s.
func logisticNoise(rng *rand.Rand, s float64) float64 {
	if s <= 0 {
		return 0
	}
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	return s * math.Log(u/(1-u))
}
