package protocol

import "fmt"

// Error codes carried in ERROR frames.
const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBadAction       = "E_BAD_ACTION"
	ErrNotReset        = "E_NOT_RESET"
	ErrEpisodeDone     = "E_EPISODE_DONE"
	ErrEnvBusy         = "E_ENV_BUSY"
	ErrInternal        = "E_INTERNAL"
)

// Codes lists every code a server may send.
var Codes = []string{ErrProtoBadRequest, ErrBadAction, ErrNotReset, ErrEpisodeDone, ErrEnvBusy, ErrInternal}

// IsKnownCode reports whether code is one of Codes. An empty code is
// treated as unset and accepted.
func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	for _, c := range Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Error lets a received ERROR frame travel as a Go error.
func (e ErrorMsg) Error() string {
	if !IsKnownCode(e.Code) {
		return fmt.Sprintf("unrecognized error %s: %s", e.Code, e.Message)
	}
	return e.Code + ": " + e.Message
}
