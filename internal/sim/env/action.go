package env

import (
	"errors"
	"fmt"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/community"
)

// NumActions is every ordered (donor, recipient) pair without self-pairs.
const NumActions = community.Count * (community.Count - 1)

var ErrInvalidAction = errors.New("env: invalid action")

// DecodeAction maps a row-major action onto its (donor, recipient) pair.
// The recipient is the (action % 3)-th other community in id order.
func DecodeAction(action int) (donor, recipient int, err error) {
	if action < 0 || action >= NumActions {
		return 0, 0, fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidAction, action, NumActions-1)
	}
	donor = action / (community.Count - 1)
	recipient = action % (community.Count - 1)
	if recipient >= donor {
		recipient++
	}
	return donor, recipient, nil
}

// EncodeAction is the inverse of DecodeAction.
func EncodeAction(donor, recipient int) (int, error) {
	if donor < 0 || donor >= community.Count || recipient < 0 || recipient >= community.Count || donor == recipient {
		return 0, fmt.Errorf("%w: pair (%d,%d)", ErrInvalidAction, donor, recipient)
	}
	idx := recipient
	if recipient > donor {
		idx--
	}
	return donor*(community.Count-1) + idx, nil
}
