package env

import "time"

const (
	EntryReset = "RESET"
	EntryStep  = "STEP"
)

// StepLogEntry is one line of the step log: every reset and step, with the
// full decision trace. Replays compare Reward, Done and Observation.
type StepLogEntry struct {
	Kind      string `json:"kind"`
	EpisodeID string `json:"episode_id"`
	Episode   uint64 `json:"episode"`
	Step      uint64 `json:"step"`
	// Seed is only set on RESET entries.
	Seed int64 `json:"seed,omitempty"`

	Action    int  `json:"action"`
	Donor     int  `json:"donor"`
	Recipient int  `json:"recipient"`
	Valid     bool `json:"valid"`

	Conditions        []string         `json:"conditions,omitempty"`
	Message           string           `json:"message,omitempty"`
	Option            int              `json:"option"`
	DonorDecision     *DecisionLogItem `json:"donor_decision,omitempty"`
	RecipientDecision *DecisionLogItem `json:"recipient_decision,omitempty"`
	Transfer          float64          `json:"transfer,omitempty"`
	Feedback          string           `json:"feedback,omitempty"`

	InvalidStreak int       `json:"invalid_streak"`
	Reward        float64   `json:"reward"`
	Done          bool      `json:"done"`
	Success       bool      `json:"success"`
	Observation   []float64 `json:"observation"`
}

type DecisionLogItem struct {
	Community  int     `json:"community"`
	Production string  `json:"production"`
	Sentiment  float64 `json:"sentiment"`
	Reward     float64 `json:"reward"`
	Utility    float64 `json:"utility"`
	Accepted   bool    `json:"accepted"`
}

// EpisodeSummary is emitted when an episode ends, or is cut short by a Reset.
type EpisodeSummary struct {
	ID           string
	Episode      uint64
	Seed         int64
	Steps        uint64
	TotalReward  float64
	Transactions int
	InvalidSteps int
	Success      bool
	Truncated    bool
	EndedAt      time.Time
	Communities  []CommunityEnd
}

type CommunityEnd struct {
	ID         int
	Available  float64
	Required   float64
	Karma      float64
	Sentiments []float64
}

type StepRecorder interface {
	WriteStep(StepLogEntry) error
}

type EpisodeRecorder interface {
	WriteEpisode(EpisodeSummary) error
}
