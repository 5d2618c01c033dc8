package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Values of the `type` discriminator of the signaling envelope.
const (
	TypeJoin         = "join"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeUserLeft     = "user_left"
)

var (
	ErrUnknownMessageType = errors.New("unknown signaling message type")
	ErrMalformedMessage   = errors.New("malformed signaling message")
)

// JSON envelope carried by the bus. The relay adds `from_user` on its own (overriding
// ours) and emits `user_left` with a bare `user_id` when a connection goes away.
type envelope struct {
	Type      string                   `json:"type"`
	FromUser  *userRef                 `json:"from_user,omitempty"`
	ToUser    ParticipantID            `json:"to_user,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	UserID    ParticipantID            `json:"user_id,omitempty"`
}

type userRef struct {
	ID       ParticipantID `json:"id"`
	Username string        `json:"username,omitempty"`
}

// Serializes a message into the JSON envelope.
func Encode(msg Message) ([]byte, error) {
	env := envelope{FromUser: &userRef{ID: msg.From}}

	switch content := msg.Content.(type) {
	case Join:
		env.Type = TypeJoin
	case Offer:
		env.Type, env.ToUser, env.SDP = TypeOffer, content.To, content.SDP
	case Answer:
		env.Type, env.ToUser, env.SDP = TypeAnswer, content.To, content.SDP
	case ICECandidate:
		candidate := content.Candidate
		env.Type, env.ToUser, env.Candidate = TypeICECandidate, content.To, &candidate
	case Left:
		env.Type, env.UserID = TypeUserLeft, content.ParticipantID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, content)
	}

	return json.Marshal(env)
}

// Parses the JSON envelope. Returns `ErrUnknownMessageType` for the types that we don't handle,
// callers are expected to ignore such messages.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var from ParticipantID
	if env.FromUser != nil {
		from = env.FromUser.ID
	}

	switch env.Type {
	case TypeJoin, TypeOffer, TypeAnswer, TypeICECandidate:
		if from == "" {
			return Message{}, fmt.Errorf("%w: %s without a sender", ErrMalformedMessage, env.Type)
		}
	case TypeUserLeft:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	msg := Message{From: from}
	switch env.Type {
	case TypeJoin:
		msg.Content = Join{}
	case TypeOffer:
		if env.ToUser == "" || env.SDP == "" {
			return Message{}, fmt.Errorf("%w: offer without recipient or sdp", ErrMalformedMessage)
		}
		msg.Content = Offer{SDP: env.SDP, To: env.ToUser}
	case TypeAnswer:
		if env.ToUser == "" || env.SDP == "" {
			return Message{}, fmt.Errorf("%w: answer without recipient or sdp", ErrMalformedMessage)
		}
		msg.Content = Answer{SDP: env.SDP, To: env.ToUser}
	case TypeICECandidate:
		if env.ToUser == "" || env.Candidate == nil {
			return Message{}, fmt.Errorf("%w: candidate without recipient", ErrMalformedMessage)
		}
		msg.Content = ICECandidate{Candidate: *env.Candidate, To: env.ToUser}
	case TypeUserLeft:
		left := env.UserID
		if left == "" {
			left = from
		}
		if left == "" {
			return Message{}, fmt.Errorf("%w: user_left without user", ErrMalformedMessage)
		}
		if msg.From == "" {
			msg.From = left
		}
		msg.Content = Left{ParticipantID: left}
	}

	return msg, nil
}
