package mesh

import (
	"errors"

	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
)

// Handles a signaling message received from the room.
func (o *Orchestrator) HandleSignal(message signaling.Message) {
	logger := o.logger.WithField("from", message.From)

	if message.From == o.config.Self {
		logger.Debug("Ignoring our own message")
		return
	}

	if to, unicast := signaling.Recipient(message.Content); unicast && to != o.config.Self {
		logger.WithField("to", to).Debug("Ignoring a message for another participant")
		return
	}

	// Sessions are only created with the local tracks attached.
	if !o.mediaReady {
		o.held = append(o.held, message)
		return
	}

	// Since Go does not support ADTs, we have to use a switch statement to
	// determine the actual type of the message.
	switch content := message.Content.(type) {
	case signaling.Join:
		o.onJoin(message.From)
	case signaling.Offer:
		o.onOffer(message.From, content)
	case signaling.Answer:
		o.onAnswer(message.From, content)
	case signaling.ICECandidate:
		o.onCandidate(message.From, content)
	case signaling.Left:
		o.onLeft(content)
	default:
		logger.Errorf("Unknown message type: %T", content)
	}
}

// A participant entered the room: we initiate the negotiation with them.
func (o *Orchestrator) onJoin(from signaling.ParticipantID) {
	if o.tracker.Get(from) != nil {
		o.logger.WithField("peer_id", from).Debug("Session already exists, ignoring join")
		return
	}

	if session := o.createSession(from, peer.Initiator); session != nil {
		session.Offer()
	}
}

func (o *Orchestrator) onOffer(from signaling.ParticipantID, offer signaling.Offer) {
	session := o.tracker.Get(from)

	// Both sides sent an offer. The participant with the smaller ID keeps its offer and
	// ignores the remote one, the other side gives up its offer and answers.
	if session != nil && session.AwaitingAnswer() {
		if o.config.Self < from {
			o.logger.WithField("peer_id", from).Info("Offer collision, keeping our offer")
			return
		}

		o.logger.WithField("peer_id", from).Info("Offer collision, answering the remote offer")
		o.removeSession(from, "offer collision")
		session = nil
	}

	if session == nil {
		if session = o.createSession(from, peer.Responder); session == nil {
			return
		}
	}

	session.HandleOffer(offer.SDP)
}

func (o *Orchestrator) onAnswer(from signaling.ParticipantID, answer signaling.Answer) {
	session := o.tracker.Get(from)
	if session == nil {
		o.logger.WithField("peer_id", from).Debug("Ignoring an answer without a session")
		return
	}

	if err := session.HandleAnswer(answer.SDP); err != nil {
		if errors.Is(err, peer.ErrUnexpectedAnswer) {
			o.logger.WithField("peer_id", from).Debug("Ignoring a stale answer")
			return
		}

		o.logger.WithField("peer_id", from).WithError(err).Warn("Failed to handle an answer")
	}
}

func (o *Orchestrator) onCandidate(from signaling.ParticipantID, candidate signaling.ICECandidate) {
	session := o.tracker.Get(from)
	if session == nil {
		o.logger.WithField("peer_id", from).Debug("Ignoring a candidate without a session")
		return
	}

	session.HandleCandidate(candidate.Candidate)
}

func (o *Orchestrator) onLeft(left signaling.Left) {
	if left.ParticipantID == o.config.Self {
		return
	}

	o.removeSession(left.ParticipantID, "left")
}
