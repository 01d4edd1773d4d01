package observerproto

import "github.com/divtosz/prosocial-ai-simulation/internal/sim/env"

// Version is the observer protocol version (separate from the controller WS protocol).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Invalid nudges dominate early episodes; most viewers skip them.
	IncludeInvalid bool `json:"include_invalid,omitempty"`
	IncludeResets  bool `json:"include_resets,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string          `json:"protocol_version"`
	Seed            int64           `json:"seed"`
	Episode         uint64          `json:"episode"`
	EpisodeID       string          `json:"episode_id,omitempty"`
	Step            uint64          `json:"step"`
	NumActions      int             `json:"num_actions"`
	ObservationLen  int             `json:"observation_len"`
	Communities     []CommunityView `json:"communities"`
}

type CommunityView struct {
	ID           int       `json:"id"`
	Karma        float64   `json:"karma"`
	Sentiments   []float64 `json:"sentiments"`
	TriggerWords []string  `json:"trigger_words"`
	// MessageProbs is the donor-side bandit distribution over templates.
	MessageProbs []float64 `json:"message_probs"`
}

// Server -> Client. One per reset or step the env records.
type EventMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Entry           env.StepLogEntry `json:"entry"`
}

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeEvent     = "EVENT"
)
