package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentName       string `json:"agent_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	Env             EnvParams `json:"env"`
	CatalogsDigest  string    `json:"catalogs_digest"`
}

type EnvParams struct {
	NumCommunities int   `json:"num_communities"`
	NumActions     int   `json:"num_actions"`
	ObservationLen int   `json:"observation_len"`
	PrevActionsLen int   `json:"prev_actions_len"`
	Seed           int64 `json:"seed"`
}

// RESET (client -> server) starts a new episode.
type ResetMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// STEP (client -> server)
type StepMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Action          int    `json:"action"`
}

// OBS (server -> client) answers both RESET and STEP. After a RESET the
// reward is 0 and done is false.
type ObsMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	EpisodeID       string         `json:"episode_id,omitempty"`
	Episode         uint64         `json:"episode"`
	Step            uint64         `json:"step"`
	Observation     []float64      `json:"observation"`
	Reward          float64        `json:"reward"`
	Done            bool           `json:"done"`
	Info            map[string]any `json:"info"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
