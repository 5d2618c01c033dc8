package mesh

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/channel"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
)

// Handles a message posted by a peer session.
func (o *Orchestrator) HandlePeerMessage(message channel.Message[peer.Key, peer.MessageContent]) {
	key := message.Sender
	logger := o.logger.WithFields(logrus.Fields{"peer_id": key.ID, "generation": key.Generation})

	session := o.tracker.Get(key.ID)
	if session == nil || session.Key() != key {
		logger.Debugf("Ignoring %T from a closed session", message.Content)
		return
	}

	switch msg := message.Content.(type) {
	case peer.LocalDescriptionReady:
		switch msg.Description.Type {
		case webrtc.SDPTypeOffer:
			o.sender.Send(signaling.Offer{SDP: msg.Description.SDP, To: key.ID})
		case webrtc.SDPTypeAnswer:
			o.sender.Send(signaling.Answer{SDP: msg.Description.SDP, To: key.ID})
		default:
			logger.Errorf("Unexpected local description type: %v", msg.Description.Type)
			return
		}

		held := session.OnLocalDescriptionSent()
		if len(held) > 0 {
			logger.WithField("count", len(held)).Debug("Sending held local candidates")
		}

		for _, candidate := range held {
			o.sender.Send(signaling.ICECandidate{Candidate: candidate, To: key.ID})
		}
	case peer.RemoteDescriptionApplied:
		session.OnRemoteDescriptionApplied()
	case peer.NewICECandidate:
		if session.OnLocalCandidate(msg.Candidate) {
			o.sender.Send(signaling.ICECandidate{Candidate: msg.Candidate, To: key.ID})
		}
	case peer.ICEGatheringComplete:
		logger.Debug("ICE gathering complete")
	case peer.RemoteTrackReceived:
		connected := session.OnRemoteTrack(msg.Info)
		o.notifyRemoteStream(session)
		if connected {
			o.telemetry.AddEvent("peer connected")
			o.notifyPeersChanged()
		}
	case peer.RemoteTrackEnded:
		session.OnRemoteTrackEnded(msg.Info)
		o.notifyRemoteStream(session)
	case peer.NegotiationFailed:
		logger.WithError(msg.Err).Warn("Negotiation failed")
		o.removeSession(key.ID, "negotiation failed")
	case peer.ConnectionFailed:
		o.removeSession(key.ID, "connection failed")
	case peer.NegotiationTimedOut:
		o.removeSession(key.ID, "negotiation timed out")
	default:
		logger.Errorf("Unknown message type: %T", msg)
	}
}

func (o *Orchestrator) notifyRemoteStream(session *peer.Session) {
	if o.callbacks.OnRemoteStream != nil {
		o.callbacks.OnRemoteStream(session.Key().ID, session.RemoteStream())
	}
}
