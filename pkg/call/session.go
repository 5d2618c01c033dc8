package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/media"
	"github.com/trutim/meshcall/pkg/mesh"
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	signalsBuffer = 64
	tasksBuffer   = 16
)

// A single attempt to be in the room, from `Join` until hang up. Everything except the
// channels is owned by the room loop.
type roomSession struct {
	controller *Controller
	logger     *logrus.Entry
	telemetry  *telemetry.Telemetry

	media        *media.Controller
	channel      *signaling.Channel
	orchestrator *mesh.Orchestrator

	// Inbound signaling messages.
	signals chan signaling.Message
	// Intents and continuations of the asynchronous operations.
	tasks chan func()

	// Scope of the join operations (acquisition, connection).
	joinCtx    context.Context //nolint:containedctx
	cancelJoin context.CancelFunc

	// Scope of everything the session starts, cancelled when it ends.
	lifetime       context.Context //nolint:containedctx
	cancelLifetime context.CancelFunc

	// Media acquisitions in flight.
	acquisitions sync.WaitGroup

	// Receives the outcome of the join.
	joined chan error

	hangup     chan struct{}
	hangupOnce sync.Once
	done       chan struct{}

	state      State
	mediaReady bool
	connected  bool
}

func newRoomSession(ctx context.Context, c *Controller) (*roomSession, error) {
	transport, err := c.deps.Transport()
	if err != nil {
		return nil, fmt.Errorf("failed to create the signaling transport: %w", err)
	}

	joinCtx, cancelJoin := context.WithCancel(ctx)
	lifetime, cancelLifetime := context.WithCancel(context.Background())

	s := &roomSession{
		controller: c,
		logger:     c.logger,
		telemetry: telemetry.NewTelemetry(
			context.Background(),
			"call",
			attribute.String("room_id", c.config.Room),
			attribute.String("self_id", c.config.Self.String()),
		),
		media:          media.NewController(c.deps.Device, c.logger),
		signals:        make(chan signaling.Message, signalsBuffer),
		tasks:          make(chan func(), tasksBuffer),
		joinCtx:        joinCtx,
		cancelJoin:     cancelJoin,
		lifetime:       lifetime,
		cancelLifetime: cancelLifetime,
		joined:         make(chan error, 1),
		hangup:         make(chan struct{}),
		done:           make(chan struct{}),
		state:          Joining,
	}

	s.channel = signaling.NewChannel(
		c.config.Self,
		transport,
		signaling.ChannelConfig{
			QueueSize: c.config.SignalingQueueSize,
			OnDeliveryFailure: func(failure *signaling.DeliveryFailure) {
				s.telemetry.AddError(failure)
			},
		},
		c.logger,
	)

	s.orchestrator = mesh.NewOrchestrator(
		mesh.Config{Self: c.config.Self, Peer: c.config.Peer},
		c.deps.Connections,
		s.channel,
		s.localTracks,
		mesh.Callbacks{
			OnPeersChanged: c.observer.OnPeersChanged,
			OnRemoteStream: c.observer.OnRemoteStream,
		},
		c.logger,
		s.telemetry,
	)

	return s, nil
}

// Posts a task to the room loop. Returns false if the loop is over.
func (s *roomSession) post(task func()) bool {
	select {
	case s.tasks <- task:
		return true
	case <-s.done:
		return false
	}
}

func (s *roomSession) requestHangUp() {
	s.hangupOnce.Do(func() { close(s.hangup) })
}

// The room loop. Returns once the session is over.
func (s *roomSession) run() {
	s.controller.observer.OnStateChanged(Joining)

	s.acquisitions.Add(1)
	go func() {
		stream, err := s.media.AcquireLocalMedia(s.joinCtx)
		s.acquisitions.Done()
		s.post(func() { s.onLocalMedia(stream, err) })
	}()

	go func() {
		err := s.channel.Open(s.joinCtx, s.onSignal)
		s.post(func() { s.onChannelOpen(err) })
	}()

	joinAborted := s.joinCtx.Done()

	for {
		select {
		case message := <-s.signals:
			s.orchestrator.HandleSignal(message)
		case message := <-s.orchestrator.PeerMessages():
			s.orchestrator.HandlePeerMessage(message)
		case task := <-s.tasks:
			task()
		case <-joinAborted:
			s.logger.Info("Join cancelled")
			s.end(s.joinCtx.Err())
		case <-s.hangup:
			s.end(ErrJoinAborted)
		}

		if s.state == InCall {
			joinAborted = nil
		}

		if s.state == Idle {
			return
		}
	}
}

// Called on the channel's reader goroutine.
func (s *roomSession) onSignal(message signaling.Message) {
	select {
	case s.signals <- message:
	case <-s.done:
	}
}

func (s *roomSession) onLocalMedia(stream *media.Stream, err error) {
	if s.state != Joining {
		return
	}

	if err != nil && s.joinCtx.Err() != nil {
		s.end(s.joinCtx.Err())
		return
	}

	if err != nil {
		s.logger.WithError(err).Error("Failed to acquire local media")
		s.controller.observer.OnFatalError(err)
		s.end(err)
		return
	}

	s.controller.observer.OnLocalStream(stream)
	s.notifyControls()

	s.mediaReady = true
	s.orchestrator.SetMediaReady()
	s.joinedIfReady()
}

func (s *roomSession) onChannelOpen(err error) {
	if s.state != Joining {
		return
	}

	if err != nil {
		s.logger.WithError(err).Error("Failed to connect to the signaling bus")
		s.end(err)
		return
	}

	s.connected = true
	s.orchestrator.SetConnected()
	s.joinedIfReady()
}

func (s *roomSession) joinedIfReady() {
	if s.state != Joining || !s.mediaReady || !s.connected {
		return
	}

	// The connection may have dropped while the media was being acquired.
	if !s.channel.Connected() {
		s.logger.Error("Signaling channel disconnected while joining")
		s.end(ErrSignalingDisconnected)
		return
	}

	s.setState(InCall)
	s.cancelJoin()
	s.joined <- nil
	s.telemetry.AddEvent("joined")
}

func (s *roomSession) startScreenShare(ctx context.Context, reply func(error)) {
	if s.media.ScreenShare() != nil {
		reply(nil)
		return
	}

	onEnded := func(stream *media.Stream) {
		s.post(func() { s.onScreenShareEnded(stream) })
	}

	// The capture is cancelled by the caller or by the end of the session.
	shareCtx, cancelShare := context.WithCancel(ctx)
	unlink := context.AfterFunc(s.lifetime, cancelShare)

	s.acquisitions.Add(1)
	go func() {
		stream, err := s.media.AcquireScreenShare(shareCtx, onEnded)
		unlink()
		cancelShare()
		s.acquisitions.Done()

		if !s.post(func() { s.onScreenShare(stream, err, reply) }) {
			reply(ErrNotInCall)
		}
	}()
}

func (s *roomSession) onScreenShare(stream *media.Stream, err error, reply func(error)) {
	if err != nil {
		s.logger.WithError(err).Warn("Failed to start the screen share")
		reply(err)
		return
	}

	if s.state != InCall {
		reply(ErrNotInCall)
		return
	}

	tracks := make([]webrtc.TrackLocal, 0)
	for _, track := range stream.Tracks() {
		tracks = append(tracks, track.Local())
	}

	s.orchestrator.AddLocalTracks(tracks...)
	s.notifyControls()
	s.telemetry.AddEvent("screen share started")
	reply(nil)
}

// The user stopped sharing from outside of the application.
func (s *roomSession) onScreenShareEnded(stream *media.Stream) {
	if s.state != InCall || s.media.ScreenShare() != stream {
		return
	}

	s.stopScreenShare()
}

func (s *roomSession) stopScreenShare() {
	stream := s.media.StopScreenShare()
	if stream == nil {
		return
	}

	trackIDs := make([]string, 0)
	for _, track := range stream.Tracks() {
		trackIDs = append(trackIDs, track.ID())
	}

	s.orchestrator.RemoveLocalTracks(trackIDs...)
	s.notifyControls()
	s.telemetry.AddEvent("screen share stopped")
}

// Tears the session down. `cause` is reported to a pending `Join`.
func (s *roomSession) end(cause error) {
	if s.state == Ending || s.state == Idle {
		return
	}

	wasJoining := s.state == Joining
	s.setState(Ending)

	// Cancels the acquisitions and the connection attempt, if any, and waits for the
	// acquisitions so that none is left running once the session is over.
	s.cancelJoin()
	s.cancelLifetime()
	s.acquisitions.Wait()

	s.orchestrator.Close()

	if s.orchestrator.Announced() {
		s.channel.Send(signaling.Left{ParticipantID: s.controller.config.Self})
	}

	s.media.ReleaseAll()
	s.channel.Close()

	var failure error
	if wasJoining {
		if cause == nil {
			cause = ErrJoinAborted
		}
		failure = fmt.Errorf("join failed: %w", cause)
	}

	s.telemetry.EndWith(failure)
	s.setState(Idle)

	if wasJoining {
		s.joined <- cause
	}
	close(s.done)
}

func (s *roomSession) setState(state State) {
	s.logger.WithField("state", state).Info("Call state changed")
	s.telemetry.StateChanged(s.state, state)
	s.state = state
	s.controller.setState(s, state)
}

func (s *roomSession) notifyControls() {
	s.controller.observer.OnControlsChanged(Controls{
		Muted:         s.media.Muted(),
		CameraEnabled: s.media.CameraEnabled(),
		ScreenSharing: s.media.ScreenShare() != nil,
	})
}

// The tracks attached to new peers.
func (s *roomSession) localTracks() []webrtc.TrackLocal {
	tracks := s.media.Tracks()

	locals := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		locals = append(locals, track.Local())
	}

	return locals
}
