package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/channel"
	"github.com/trutim/meshcall/pkg/telemetry"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
	"github.com/trutim/meshcall/pkg/worker"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrCantCreatePeerConnection = errors.New("can't create peer connection")
	ErrCantScheduleOperation    = errors.New("can't schedule transport operation")
	ErrUnexpectedAnswer         = errors.New("answer received while no offer is outstanding")
	ErrSessionClosed            = errors.New("session is closed")
)

const defaultQueueSize = 64

// NegotiationError is reported when the transport rejects a description or a candidate.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

type Config struct {
	// How long the session may stay unconnected. Zero disables the timeout.
	NegotiationTimeout time.Duration
	// Size of the queue of pending transport operations.
	QueueSize int
	// Receives the RTP packets of the remote tracks (optional).
	OnRTP func(key Key, track webrtc_ext.TrackInfo, packet *rtp.Packet)
}

// Session is a media session with a single remote participant.
//
// The methods of the session must be called from a single goroutine (the room loop). Transport
// operations run on the session's own worker in the order in which they were scheduled, and their
// results are posted to the sink as messages, which the loop must hand back to the session.
type Session struct {
	key       Key
	role      Role
	config    Config
	logger    *logrus.Entry
	telemetry *telemetry.Telemetry

	conn webrtc_ext.Connection
	sink *channel.Sink[Key, MessageContent]
	ops  *worker.Worker[func()]

	// Only accessed from the operations.
	senders map[string]*webrtc.RTPSender

	phase                Phase
	awaitingAnswer       bool
	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit
	renegotiationPending bool
	remoteStream         *RemoteStream
	// Set once our first description went out. Local candidates gathered before that
	// are held, since the remote side discards candidates of an unknown session.
	localDescriptionSent bool
	heldCandidates       []webrtc.ICECandidateInit
	timeout              *time.Timer
}

// Creates a session and attaches the local tracks to it. The negotiation is started by
// `Offer` (initiator) or `HandleOffer` (responder).
func NewSession(
	key Key,
	role Role,
	factory webrtc_ext.ConnectionFactory,
	tracks []webrtc.TrackLocal,
	sink *channel.Sink[Key, MessageContent],
	config Config,
	logger *logrus.Entry,
	telemetry *telemetry.Telemetry,
) (*Session, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	session := &Session{
		key:          key,
		role:         role,
		config:       config,
		logger:       logger,
		telemetry:    telemetry,
		sink:         sink,
		senders:      make(map[string]*webrtc.RTPSender),
		remoteStream: &RemoteStream{Participant: key.ID},
	}

	conn, err := factory.CreateConnection(webrtc_ext.ConnectionCallbacks{
		OnRemoteTrack:    session.onRemoteTrack,
		OnLocalCandidate: session.onLocalCandidate,
		OnStateChange:    session.onStateChange,
	})
	if err != nil {
		logger.WithError(err).Error("failed to create peer connection")
		return nil, ErrCantCreatePeerConnection
	}
	session.conn = conn

	session.ops = worker.StartWorker(worker.Config[func()]{
		ChannelSize: config.QueueSize,
		OnTask:      func(op func()) { op() },
	})

	for _, track := range tracks {
		if err := session.schedule(session.attach(track)); err != nil {
			session.Close()
			return nil, err
		}
	}

	session.telemetry.AddEvent("created", attribute.String("role", role.String()))
	return session, nil
}

func (s *Session) Key() Key {
	return s.key
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) Phase() Phase {
	return s.phase
}

// AwaitingAnswer reports whether an offer has been sent and not answered yet.
func (s *Session) AwaitingAnswer() bool {
	return s.awaitingAnswer
}

// Number of remote candidates waiting for the remote description.
func (s *Session) PendingCandidates() int {
	return len(s.pendingCandidates)
}

// RemoteStream returns a snapshot of the received media, or nil if nothing was received yet.
func (s *Session) RemoteStream() *RemoteStream {
	if len(s.remoteStream.Tracks) == 0 {
		return nil
	}

	return s.remoteStream.snapshot()
}

// Starts the negotiation by sending an offer.
func (s *Session) Offer() {
	if s.phase == Closed {
		return
	}

	s.advance(Negotiating)
	s.sendOffer()
}

// Applies a remote offer and answers it.
func (s *Session) HandleOffer(sdp string) {
	if s.phase == Closed {
		return
	}

	s.advance(Negotiating)
	s.armTimeout()

	s.scheduleOrFail(func() {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
		if err := s.conn.SetRemoteDescription(offer); err != nil {
			s.fail("set remote description", err)
			return
		}

		if s.sink.Send(RemoteDescriptionApplied{}) != nil {
			return
		}

		answer, err := s.conn.CreateAnswer()
		if err != nil {
			s.fail("create answer", err)
			return
		}

		if err := s.conn.SetLocalDescription(answer); err != nil {
			s.fail("set local description", err)
			return
		}

		_ = s.sink.Send(LocalDescriptionReady{Description: answer})
	})
}

// Applies a remote answer. Returns `ErrUnexpectedAnswer` for an answer that does not
// correspond to an outstanding offer (such an answer must be ignored).
func (s *Session) HandleAnswer(sdp string) error {
	if s.phase == Closed {
		return ErrSessionClosed
	}

	if !s.awaitingAnswer {
		return ErrUnexpectedAnswer
	}
	s.awaitingAnswer = false

	s.scheduleOrFail(func() {
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		if err := s.conn.SetRemoteDescription(answer); err != nil {
			s.fail("set remote description", err)
			return
		}

		_ = s.sink.Send(RemoteDescriptionApplied{})
	})

	return nil
}

// Applies a remote candidate, or queues it until the remote description is applied.
func (s *Session) HandleCandidate(candidate webrtc.ICECandidateInit) {
	if s.phase == Closed {
		return
	}

	if !s.remoteDescriptionSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		return
	}

	s.applyCandidate(candidate)
}

// Must be called when the session posted `RemoteDescriptionApplied`.
func (s *Session) OnRemoteDescriptionApplied() {
	if s.phase == Closed {
		return
	}

	s.remoteDescriptionSet = true

	if len(s.pendingCandidates) > 0 {
		s.logger.WithField("count", len(s.pendingCandidates)).Debug("Applying queued remote candidates")
	}

	for _, candidate := range s.pendingCandidates {
		s.applyCandidate(candidate)
	}
	s.pendingCandidates = nil

	s.renegotiateIfPending()
}

// Must be called when the session posted `NewICECandidate`. Returns true if the candidate
// can be sent now, false if it is held until the local description is sent.
func (s *Session) OnLocalCandidate(candidate webrtc.ICECandidateInit) bool {
	if s.phase == Closed {
		return false
	}

	if !s.localDescriptionSent {
		s.heldCandidates = append(s.heldCandidates, candidate)
		return false
	}

	return true
}

// Must be called once the description of `LocalDescriptionReady` has been sent. Returns
// the held local candidates, in gathering order, to be sent after it.
func (s *Session) OnLocalDescriptionSent() []webrtc.ICECandidateInit {
	if s.phase == Closed {
		return nil
	}

	s.localDescriptionSent = true

	held := s.heldCandidates
	s.heldCandidates = nil

	return held
}

// Must be called when the session posted `RemoteTrackReceived`. Returns true if the
// session became connected.
func (s *Session) OnRemoteTrack(info webrtc_ext.TrackInfo) bool {
	if s.phase == Closed {
		return false
	}

	s.remoteStream.addTrack(info)

	if s.phase == Connected {
		return false
	}

	s.advance(Connected)
	s.disarmTimeout()
	s.renegotiateIfPending()

	return true
}

// Must be called when the session posted `RemoteTrackEnded`.
func (s *Session) OnRemoteTrackEnded(info webrtc_ext.TrackInfo) {
	s.remoteStream.removeTrack(info.TrackID)
}

// Attaches new local tracks and renegotiates.
func (s *Session) AddLocalTracks(tracks ...webrtc.TrackLocal) {
	if s.phase == Closed || len(tracks) == 0 {
		return
	}

	for _, track := range tracks {
		s.scheduleOrFail(s.attach(track))
	}
	s.renegotiate()
}

// Detaches local tracks and renegotiates.
func (s *Session) RemoveLocalTracks(trackIDs ...string) {
	if s.phase == Closed || len(trackIDs) == 0 {
		return
	}

	for _, trackID := range trackIDs {
		s.scheduleOrFail(s.detach(trackID))
	}
	s.renegotiate()
}

// Closes the session: cancels the pending operations, releases the connection and stops
// posting messages. Safe to call many times.
func (s *Session) Close() {
	if s.phase == Closed {
		return
	}

	s.phase = Closed
	s.disarmTimeout()

	if s.ops != nil {
		s.ops.Stop()
	}
	s.sink.Seal()

	if err := s.conn.Close(); err != nil {
		s.logger.WithError(err).Error("failed to close peer connection")
	}

	s.telemetry.AddEvent("closed")
	s.telemetry.End()
	s.logger.Info("Session closed")
}

func (s *Session) sendOffer() {
	s.awaitingAnswer = true
	s.armTimeout()

	s.scheduleOrFail(func() {
		offer, err := s.conn.CreateOffer()
		if err != nil {
			s.fail("create offer", err)
			return
		}

		if err := s.conn.SetLocalDescription(offer); err != nil {
			s.fail("set local description", err)
			return
		}

		_ = s.sink.Send(LocalDescriptionReady{Description: offer})
	})
}

// Connected sessions are renegotiated right away, the others once they get connected
// and have no offer outstanding.
func (s *Session) renegotiate() {
	if s.phase == Connected && !s.awaitingAnswer {
		s.logger.Debug("Renegotiating")
		s.sendOffer()
		return
	}

	s.renegotiationPending = true
}

func (s *Session) renegotiateIfPending() {
	if s.renegotiationPending && s.phase == Connected && !s.awaitingAnswer {
		s.renegotiationPending = false
		s.logger.Debug("Running the deferred renegotiation")
		s.sendOffer()
	}
}

func (s *Session) applyCandidate(candidate webrtc.ICECandidateInit) {
	s.scheduleOrFail(func() {
		if err := s.conn.AddICECandidate(candidate); err != nil {
			s.fail("add ICE candidate", err)
		}
	})
}

func (s *Session) attach(track webrtc.TrackLocal) func() {
	return func() {
		if _, found := s.senders[track.ID()]; found {
			return
		}

		sender, err := s.conn.AddTrack(track)
		if err != nil {
			s.fail("add track", err)
			return
		}

		s.senders[track.ID()] = sender
	}
}

func (s *Session) detach(trackID string) func() {
	return func() {
		sender, found := s.senders[trackID]
		if !found {
			return
		}
		delete(s.senders, trackID)

		if err := s.conn.RemoveTrack(sender); err != nil {
			s.fail("remove track", err)
		}
	}
}

func (s *Session) advance(phase Phase) {
	if phase <= s.phase {
		return
	}

	s.logger.WithField("phase", phase).Info("Session phase changed")
	s.telemetry.StateChanged(s.phase, phase)
	s.phase = phase
}

func (s *Session) armTimeout() {
	if s.config.NegotiationTimeout == 0 || s.timeout != nil || s.phase == Connected {
		return
	}

	sink := s.sink
	s.timeout = time.AfterFunc(s.config.NegotiationTimeout, func() {
		_ = sink.Send(NegotiationTimedOut{})
	})
}

func (s *Session) disarmTimeout() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}

func (s *Session) schedule(op func()) error {
	if err := s.ops.Send(op); err != nil {
		return fmt.Errorf("%w: %v", ErrCantScheduleOperation, err)
	}

	return nil
}

// Schedules an operation. The session is failed if the operation could not be scheduled,
// since losing an operation would leave the negotiation in an undefined state.
func (s *Session) scheduleOrFail(op func()) {
	if err := s.schedule(op); err != nil {
		s.logger.WithError(err).Error("Transport operation dropped")
		go s.fail("schedule operation", err)
	}
}

// Reports a negotiation failure. Called from the operations.
func (s *Session) fail(op string, err error) {
	failure := &NegotiationError{Op: op, Err: err}
	s.logger.WithError(err).Errorf("failed to %s", op)
	_ = s.sink.Send(NegotiationFailed{Err: failure})
}
