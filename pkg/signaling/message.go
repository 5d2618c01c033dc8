package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Identifier of a call participant as known to the signaling bus.
type ParticipantID string

func (p ParticipantID) String() string {
	return string(p)
}

// The relay identifies users by numeric database ids while other buses use strings,
// so both JSON representations are accepted.
func (p *ParticipantID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ParticipantID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("participant id must be a string or a number: %w", err)
	}
	*p = ParticipantID(n.String())
	return nil
}

// Due to the limitation of Go, we're using the `interface{}` to be able to switch on the
// actual type of the message. One of `Join`, `Offer`, `Answer`, `ICECandidate`, `Left`.
type MessageContent = interface{}

// Announces that the sender entered the call.
type Join struct{}

type Offer struct {
	SDP string
	To  ParticipantID
}

type Answer struct {
	SDP string
	To  ParticipantID
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit
	To        ParticipantID
}

// Notifies that a participant has left the call.
type Left struct {
	ParticipantID ParticipantID
}

// Signaling message together with the participant that sent it.
type Message struct {
	From    ParticipantID
	Content MessageContent
}

// Returns the explicit recipient of a unicast message. Broadcast messages (`Join`, `Left`)
// have no recipient.
func Recipient(content MessageContent) (ParticipantID, bool) {
	switch msg := content.(type) {
	case Offer:
		return msg.To, true
	case Answer:
		return msg.To, true
	case ICECandidate:
		return msg.To, true
	default:
		return "", false
	}
}
