// Package protocol defines the JSON frames exchanged on /v1/ws.
package protocol

import "encoding/json"

const Version = "1.0"

const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeReset   = "RESET"
	TypeStep    = "STEP"
	TypeObs     = "OBS"
	TypeError   = "ERROR"
)

// Envelope holds the fields every frame carries.
type Envelope struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// Peek reads only the envelope of a frame.
func Peek(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
