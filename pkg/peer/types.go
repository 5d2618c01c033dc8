package peer

import (
	"fmt"

	"github.com/trutim/meshcall/pkg/signaling"
)

// Key identifies a session. A participant that reappears after its session was
// closed gets a new session with a higher generation, so that late events of the
// old session can't be mistaken for events of the new one.
type Key struct {
	ID         signaling.ParticipantID
	Generation uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.ID, k.Generation)
}

// Role of the local side in the initial negotiation.
type Role int

const (
	// Sends the initial offer.
	Initiator Role = iota
	// Answers the initial offer.
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// Phase of a session. Phases only move forward.
type Phase int

const (
	New Phase = iota
	Negotiating
	Connected
	Closed
)

func (p Phase) String() string {
	switch p {
	case New:
		return "new"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
