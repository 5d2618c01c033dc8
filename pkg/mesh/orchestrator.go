package mesh

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/channel"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/telemetry"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
	"go.opentelemetry.io/otel/attribute"
)

const peerMessagesBuffer = 128

// Sender delivers signaling messages to the room. Implemented by `signaling.Channel`.
type Sender interface {
	Send(content signaling.MessageContent)
	// Reports whether the bus connection is currently up.
	Connected() bool
}

// Snapshot of a peer session.
type PeerInfo struct {
	ID         signaling.ParticipantID
	Generation uint64
	Role       peer.Role
	Phase      peer.Phase
}

// Notifications about the mesh. Called from the room loop.
type Callbacks struct {
	OnPeersChanged func(peers []PeerInfo)
	// Called with a nil stream when the participant's media is gone.
	OnRemoteStream func(participant signaling.ParticipantID, stream *peer.RemoteStream)
}

type Config struct {
	// The local participant.
	Self signaling.ParticipantID
	// Configuration of the peer sessions.
	Peer peer.Config
}

// Orchestrator maintains the peer sessions of a room in response to the signaling messages.
// It is not safe for concurrent use: all methods must be called from the room loop, which
// must also hand the messages from `PeerMessages` back to `HandlePeerMessage`.
type Orchestrator struct {
	config      Config
	factory     webrtc_ext.ConnectionFactory
	sender      Sender
	localTracks func() []webrtc.TrackLocal
	callbacks   Callbacks
	logger      *logrus.Entry
	telemetry   *telemetry.Telemetry

	tracker      *Tracker
	peerMessages chan channel.Message[peer.Key, peer.MessageContent]
	generation   uint64

	connected  bool
	mediaReady bool
	announced  bool
	// Signaling messages received before the local media was ready.
	held []signaling.Message
}

func NewOrchestrator(
	config Config,
	factory webrtc_ext.ConnectionFactory,
	sender Sender,
	localTracks func() []webrtc.TrackLocal,
	callbacks Callbacks,
	logger *logrus.Entry,
	telemetry *telemetry.Telemetry,
) *Orchestrator {
	return &Orchestrator{
		config:       config,
		factory:      factory,
		sender:       sender,
		localTracks:  localTracks,
		callbacks:    callbacks,
		logger:       logger,
		telemetry:    telemetry,
		tracker:      NewTracker(),
		peerMessages: make(chan channel.Message[peer.Key, peer.MessageContent], peerMessagesBuffer),
	}
}

// The messages posted by the peer sessions.
func (o *Orchestrator) PeerMessages() <-chan channel.Message[peer.Key, peer.MessageContent] {
	return o.peerMessages
}

// Must be called once the signaling channel is connected.
func (o *Orchestrator) SetConnected() {
	o.connected = true
	o.announceIfReady()
}

// Must be called once the local media is acquired. Replays the held signaling messages.
func (o *Orchestrator) SetMediaReady() {
	if o.mediaReady {
		return
	}

	o.mediaReady = true
	o.announceIfReady()

	held := o.held
	o.held = nil

	if len(held) > 0 {
		o.logger.WithField("count", len(held)).Debug("Replaying held signaling messages")
	}

	for _, message := range held {
		o.HandleSignal(message)
	}
}

// Announced reports whether our own `Join` was sent.
func (o *Orchestrator) Announced() bool {
	return o.announced
}

// Sends our `Join` once both the channel is connected and the media is ready. Exactly once.
func (o *Orchestrator) announceIfReady() {
	if o.announced || !o.connected || !o.mediaReady {
		return
	}

	if !o.sender.Connected() {
		o.logger.Warn("Signaling channel is down, not announcing our presence")
		return
	}

	o.announced = true
	o.sender.Send(signaling.Join{})
	o.telemetry.AddEvent("join announced")
	o.logger.Info("Announced our presence in the room")
}

// Snapshot of the peer sessions, sorted by participant.
func (o *Orchestrator) Peers() []PeerInfo {
	peers := make([]PeerInfo, 0, o.tracker.Len())
	o.tracker.ForEach(func(session *peer.Session) {
		peers = append(peers, PeerInfo{
			ID:         session.Key().ID,
			Generation: session.Key().Generation,
			Role:       session.Role(),
			Phase:      session.Phase(),
		})
	})

	return peers
}

// Session returns the live session of a participant, if any.
func (o *Orchestrator) Session(id signaling.ParticipantID) *peer.Session {
	return o.tracker.Get(id)
}

// Attaches new local tracks to every session (renegotiating them).
func (o *Orchestrator) AddLocalTracks(tracks ...webrtc.TrackLocal) {
	o.tracker.ForEach(func(session *peer.Session) {
		session.AddLocalTracks(tracks...)
	})
}

// Detaches local tracks from every session (renegotiating them).
func (o *Orchestrator) RemoveLocalTracks(trackIDs ...string) {
	o.tracker.ForEach(func(session *peer.Session) {
		session.RemoveLocalTracks(trackIDs...)
	})
}

// Closes every session.
func (o *Orchestrator) Close() {
	if o.tracker.Len() == 0 {
		return
	}

	o.tracker.CloseAll()
	o.notifyPeersChanged()
}

func (o *Orchestrator) createSession(id signaling.ParticipantID, role peer.Role) *peer.Session {
	o.generation++
	key := peer.Key{ID: id, Generation: o.generation}

	logger := o.logger.WithFields(logrus.Fields{
		"peer_id":    id,
		"generation": key.Generation,
		"role":       role,
	})

	session, err := peer.NewSession(
		key,
		role,
		o.factory,
		o.localTracks(),
		channel.NewSink(key, o.peerMessages),
		o.config.Peer,
		logger,
		o.telemetry.CreateChild("peer", attribute.String("peer_id", id.String())),
	)
	if err != nil {
		logger.WithError(err).Error("Failed to create a peer session")
		return nil
	}

	o.tracker.Add(session)
	logger.Info("Peer session created")
	o.notifyPeersChanged()

	return session
}

func (o *Orchestrator) removeSession(id signaling.ParticipantID, reason string) {
	session := o.tracker.Remove(id)
	if session == nil {
		return
	}

	o.logger.WithFields(logrus.Fields{"peer_id": id, "reason": reason}).Info("Peer session removed")

	if o.callbacks.OnRemoteStream != nil {
		o.callbacks.OnRemoteStream(id, nil)
	}
	o.notifyPeersChanged()
}

func (o *Orchestrator) notifyPeersChanged() {
	if o.callbacks.OnPeersChanged != nil {
		o.callbacks.OnPeersChanged(o.Peers())
	}
}
