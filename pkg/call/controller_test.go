package call_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trutim/meshcall/pkg/call"
	"github.com/trutim/meshcall/pkg/media"
	"github.com/trutim/meshcall/pkg/mesh"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/webrtc_ext/webrtctest"
)

const (
	room    = "room-1"
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type record struct {
	states     []call.State
	peers      []mesh.PeerInfo
	local      *media.Stream
	controls   call.Controls
	fatalError error
}

type observer struct {
	mutex  sync.Mutex
	record record
	remote map[signaling.ParticipantID]*peer.RemoteStream
}

func newObserver() *observer {
	return &observer{remote: make(map[signaling.ParticipantID]*peer.RemoteStream)}
}

func (o *observer) OnStateChanged(state call.State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.record.states = append(o.record.states, state)
}

func (o *observer) OnPeersChanged(peers []mesh.PeerInfo) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.record.peers = peers
}

func (o *observer) OnLocalStream(stream *media.Stream) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.record.local = stream
}

func (o *observer) OnRemoteStream(id signaling.ParticipantID, stream *peer.RemoteStream) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if stream == nil {
		delete(o.remote, id)
		return
	}
	o.remote[id] = stream
}

func (o *observer) OnControlsChanged(controls call.Controls) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.record.controls = controls
}

func (o *observer) OnFatalError(err error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.record.fatalError = err
}

func (o *observer) snapshot() record {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	snapshot := o.record
	snapshot.states = append([]call.State(nil), o.record.states...)
	snapshot.peers = append([]mesh.PeerInfo(nil), o.record.peers...)
	return snapshot
}

func (o *observer) peerIDs() []signaling.ParticipantID {
	ids := make([]signaling.ParticipantID, 0)
	for _, info := range o.snapshot().peers {
		ids = append(ids, info.ID)
	}
	return ids
}

type participant struct {
	controller *call.Controller
	observer   *observer
	factory    *webrtctest.Factory
}

func newParticipant(t *testing.T, hub *signaling.MemoryHub, self signaling.ParticipantID, device media.CaptureDevice) *participant {
	t.Helper()

	p := &participant{observer: newObserver(), factory: &webrtctest.Factory{}}
	p.controller = call.NewController(
		call.Config{Room: room, Self: self},
		call.Dependencies{
			Connections: p.factory,
			Device:      device,
			Transport: func() (signaling.Transport, error) {
				return hub.Transport(room, self), nil
			},
		},
		p.observer,
		logrus.NewEntry(logrus.StandardLogger()),
	)
	t.Cleanup(p.controller.Close)

	return p
}

// A participant driven by hand through a raw signaling channel.
type remote struct {
	channel *signaling.Channel

	mutex    sync.Mutex
	received []signaling.Message
}

func newRemote(t *testing.T, hub *signaling.MemoryHub, self signaling.ParticipantID) *remote {
	t.Helper()

	r := &remote{}
	r.channel = signaling.NewChannel(self, hub.Transport(room, self), signaling.ChannelConfig{}, logrus.WithField("self_id", self))
	require.NoError(t, r.channel.Open(context.Background(), func(message signaling.Message) {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		r.received = append(r.received, message)
	}))
	t.Cleanup(r.channel.Close)

	return r
}

func (r *remote) messages(match func(signaling.Message) bool) []signaling.Message {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	matching := make([]signaling.Message, 0)
	for _, message := range r.received {
		if match(message) {
			matching = append(matching, message)
		}
	}
	return matching
}

func offersTo(id signaling.ParticipantID) func(signaling.Message) bool {
	return func(message signaling.Message) bool {
		offer, ok := message.Content.(signaling.Offer)
		return ok && offer.To == id
	}
}

func leftOf(id signaling.ParticipantID) func(signaling.Message) bool {
	return func(message signaling.Message) bool {
		left, ok := message.Content.(signaling.Left)
		return ok && left.ParticipantID == id
	}
}

type failingDevice struct{}

func (failingDevice) UserMedia(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, errors.New("permission denied")
}

func (failingDevice) DisplayMedia(context.Context) (*media.Stream, error) {
	return nil, errors.New("permission denied")
}

func TestJoinAnnouncesAndCallsPeers(t *testing.T) {
	hub := signaling.NewMemoryHub()
	bob := newRemote(t, hub, "bob")
	alice := newParticipant(t, hub, "alice", &media.SampleDevice{})

	require.NoError(t, alice.controller.Join(context.Background()))
	assert.Equal(t, call.InCall, alice.controller.State())
	assert.NotNil(t, alice.observer.snapshot().local)

	require.Eventually(t, func() bool {
		return len(bob.messages(func(m signaling.Message) bool {
			_, ok := m.Content.(signaling.Join)
			return ok && m.From == "alice"
		})) == 1
	}, timeout, tick)

	bob.channel.Send(signaling.Join{})

	require.Eventually(t, func() bool { return len(bob.messages(offersTo("bob"))) == 1 }, timeout, tick)
	assert.Equal(t, []signaling.ParticipantID{"bob"}, alice.observer.peerIDs())

	states := alice.observer.snapshot().states
	assert.Equal(t, []call.State{call.Joining, call.InCall}, dedup(states))
}

func TestTwoControllersReachEachOther(t *testing.T) {
	hub := signaling.NewMemoryHub()
	alice := newParticipant(t, hub, "alice", &media.SampleDevice{})
	bob := newParticipant(t, hub, "bob", &media.SampleDevice{})

	require.NoError(t, alice.controller.Join(context.Background()))
	require.NoError(t, bob.controller.Join(context.Background()))

	require.Eventually(t, func() bool {
		aliceSees := alice.observer.peerIDs()
		bobSees := bob.observer.peerIDs()
		return len(aliceSees) == 1 && aliceSees[0] == "bob" && len(bobSees) == 1 && bobSees[0] == "alice"
	}, timeout, tick)

	require.NoError(t, bob.controller.HangUp(context.Background()))
	require.Eventually(t, func() bool { return len(alice.observer.peerIDs()) == 0 }, timeout, tick)
	assert.Equal(t, call.InCall, alice.controller.State())
}

func TestMediaFailureAbortsTheJoin(t *testing.T) {
	hub := signaling.NewMemoryHub()
	alice := newParticipant(t, hub, "alice", failingDevice{})

	err := alice.controller.Join(context.Background())

	var acquisitionErr *media.MediaAcquisitionError
	require.ErrorAs(t, err, &acquisitionErr)
	assert.Equal(t, call.Idle, alice.controller.State())
	assert.ErrorAs(t, alice.observer.snapshot().fatalError, &acquisitionErr)
	assert.Eventually(t, func() bool { return hub.Members(room) == 0 }, timeout, tick)

	// The call can be joined again.
	assert.ErrorAs(t, alice.controller.Join(context.Background()), &acquisitionErr)
}

func TestCancelledJoinEndsIdle(t *testing.T) {
	hub := signaling.NewMemoryHub()
	alice := newParticipant(t, hub, "alice", &media.SampleDevice{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, alice.controller.Join(ctx), context.Canceled)
	assert.Equal(t, call.Idle, alice.controller.State())
}

func TestIntentsOutsideOfCallAreRejected(t *testing.T) {
	alice := newParticipant(t, signaling.NewMemoryHub(), "alice", &media.SampleDevice{})

	assert.ErrorIs(t, alice.controller.ToggleMute(), call.ErrNotInCall)
	assert.ErrorIs(t, alice.controller.ToggleCamera(), call.ErrNotInCall)
	assert.ErrorIs(t, alice.controller.StartScreenShare(context.Background()), call.ErrNotInCall)
	assert.ErrorIs(t, alice.controller.StopScreenShare(), call.ErrNotInCall)
	assert.NoError(t, alice.controller.HangUp(context.Background()))
}

func TestTransportFailureFailsTheJoin(t *testing.T) {
	controller := call.NewController(
		call.Config{Room: room, Self: "alice"},
		call.Dependencies{
			Connections: &webrtctest.Factory{},
			Device:      &media.SampleDevice{},
			Transport: func() (signaling.Transport, error) {
				return nil, errors.New("unknown backend")
			},
		},
		nil,
		logrus.NewEntry(logrus.StandardLogger()),
	)

	assert.Error(t, controller.Join(context.Background()))
	assert.Equal(t, call.Idle, controller.State())
}

func TestSecondJoinIsRejected(t *testing.T) {
	alice := newParticipant(t, signaling.NewMemoryHub(), "alice", &media.SampleDevice{})

	require.NoError(t, alice.controller.Join(context.Background()))
	assert.ErrorIs(t, alice.controller.Join(context.Background()), call.ErrAlreadyJoined)
}

func TestToggleMuteKeepsTheStream(t *testing.T) {
	alice := newParticipant(t, signaling.NewMemoryHub(), "alice", &media.SampleDevice{})
	require.NoError(t, alice.controller.Join(context.Background()))
	stream := alice.observer.snapshot().local
	require.NotNil(t, stream)

	require.NoError(t, alice.controller.ToggleMute())
	assert.True(t, alice.observer.snapshot().controls.Muted)
	assert.Same(t, stream, alice.observer.snapshot().local)
	for _, track := range stream.TracksOfKind(webrtc.RTPCodecTypeAudio) {
		assert.False(t, track.Enabled())
		assert.False(t, track.Stopped())
	}
	for _, track := range stream.TracksOfKind(webrtc.RTPCodecTypeVideo) {
		assert.True(t, track.Enabled())
	}

	require.NoError(t, alice.controller.ToggleCamera())
	assert.False(t, alice.observer.snapshot().controls.CameraEnabled)

	require.NoError(t, alice.controller.ToggleMute())
	assert.False(t, alice.observer.snapshot().controls.Muted)
}

func TestHangUpReleasesEverything(t *testing.T) {
	hub := signaling.NewMemoryHub()
	bob := newRemote(t, hub, "bob")
	alice := newParticipant(t, hub, "alice", &media.SampleDevice{})

	require.NoError(t, alice.controller.Join(context.Background()))
	bob.channel.Send(signaling.Join{})
	require.Eventually(t, func() bool { return len(alice.observer.peerIDs()) == 1 }, timeout, tick)
	connection := alice.factory.Connections()[0]
	stream := alice.observer.snapshot().local

	require.NoError(t, alice.controller.HangUp(context.Background()))

	assert.Equal(t, call.Idle, alice.controller.State())
	assert.True(t, connection.Closed())
	assert.Empty(t, alice.observer.peerIDs())
	for _, track := range stream.Tracks() {
		assert.True(t, track.Stopped())
	}
	assert.Eventually(t, func() bool { return len(bob.messages(leftOf("alice"))) > 0 }, timeout, tick)
	assert.Equal(t, 1, hub.Members(room))

	// Hanging up again does nothing.
	assert.NoError(t, alice.controller.HangUp(context.Background()))
	assert.Equal(t, call.Ending, dedup(alice.observer.snapshot().states)[2])
}

// Joins alice, lets bob answer her offer and waits until the peer is connected.
func connectToBob(t *testing.T, hub *signaling.MemoryHub, alice *participant) (*remote, *webrtctest.Connection) {
	t.Helper()

	bob := newRemote(t, hub, "bob")

	require.NoError(t, alice.controller.Join(context.Background()))
	bob.channel.Send(signaling.Join{})
	require.Eventually(t, func() bool { return len(bob.messages(offersTo("bob"))) == 1 }, timeout, tick)

	bob.channel.Send(signaling.Answer{SDP: "answer", To: "alice"})
	connection := alice.factory.Connections()[0]
	require.Eventually(t, func() bool { return len(connection.RemoteDescriptions()) == 1 }, timeout, tick)
	connection.EmitTrack("bob-audio", webrtc.RTPCodecTypeAudio)
	require.Eventually(t, func() bool {
		peers := alice.observer.snapshot().peers
		return len(peers) == 1 && peers[0].Phase == peer.Connected
	}, timeout, tick)

	return bob, connection
}

func sendsScreen(connection *webrtctest.Connection) bool {
	for _, id := range connection.TrackIDs() {
		if strings.HasPrefix(id, "screen-") {
			return true
		}
	}
	return false
}

func TestScreenShareIsOfferedToConnectedPeers(t *testing.T) {
	hub := signaling.NewMemoryHub()
	alice := newParticipant(t, hub, "alice", &media.SampleDevice{})
	bob, connection := connectToBob(t, hub, alice)

	require.NoError(t, alice.controller.StartScreenShare(context.Background()))
	assert.True(t, alice.observer.snapshot().controls.ScreenSharing)

	require.Eventually(t, func() bool { return len(bob.messages(offersTo("bob"))) == 2 }, timeout, tick)
	renegotiation := bob.messages(offersTo("bob"))[1].Content.(signaling.Offer)
	assert.Contains(t, renegotiation.SDP, "screen-")

	// Sharing twice is a no-op.
	require.NoError(t, alice.controller.StartScreenShare(context.Background()))

	bob.channel.Send(signaling.Answer{SDP: "answer", To: "alice"})
	require.Eventually(t, func() bool { return len(connection.RemoteDescriptions()) == 2 }, timeout, tick)

	require.NoError(t, alice.controller.StopScreenShare())
	assert.False(t, alice.observer.snapshot().controls.ScreenSharing)
	require.Eventually(t, func() bool { return !sendsScreen(connection) }, timeout, tick)
}

// Remembers the last screen capture it produced.
type recordingDevice struct {
	*media.SampleDevice

	mutex  sync.Mutex
	screen *media.Stream
}

func (d *recordingDevice) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	stream, err := d.SampleDevice.DisplayMedia(ctx)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.screen = stream

	return stream, err
}

func (d *recordingDevice) lastScreen() *media.Stream {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.screen
}

func TestScreenShareEndedByTheSourceIsWithdrawn(t *testing.T) {
	hub := signaling.NewMemoryHub()
	device := &recordingDevice{SampleDevice: &media.SampleDevice{}}
	alice := newParticipant(t, hub, "alice", device)
	bob, connection := connectToBob(t, hub, alice)

	require.NoError(t, alice.controller.StartScreenShare(context.Background()))
	require.Eventually(t, func() bool { return len(bob.messages(offersTo("bob"))) == 2 }, timeout, tick)
	bob.channel.Send(signaling.Answer{SDP: "answer", To: "alice"})
	require.Eventually(t, func() bool { return len(connection.RemoteDescriptions()) == 2 }, timeout, tick)
	require.True(t, sendsScreen(connection))

	// The user stops sharing from the system UI.
	screen := device.lastScreen()
	require.NotNil(t, screen)
	screen.End()

	require.Eventually(t, func() bool { return !alice.observer.snapshot().controls.ScreenSharing }, timeout, tick)
	require.Eventually(t, func() bool { return !sendsScreen(connection) }, timeout, tick)
	require.Eventually(t, func() bool { return len(bob.messages(offersTo("bob"))) == 3 }, timeout, tick)

	withdrawal := bob.messages(offersTo("bob"))[2].Content.(signaling.Offer)
	assert.NotContains(t, withdrawal.SDP, "screen-")
	for _, track := range screen.Tracks() {
		assert.True(t, track.Stopped())
	}
	assert.Equal(t, call.InCall, alice.controller.State())
}

// A screen picker that stays open until the request is cancelled.
type pendingScreenDevice struct {
	*media.SampleDevice

	inFlight atomic.Bool
}

func (d *pendingScreenDevice) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	d.inFlight.Store(true)
	defer d.inFlight.Store(false)

	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHangUpCancelsPendingScreenShare(t *testing.T) {
	device := &pendingScreenDevice{SampleDevice: &media.SampleDevice{}}
	alice := newParticipant(t, signaling.NewMemoryHub(), "alice", device)
	require.NoError(t, alice.controller.Join(context.Background()))

	shared := make(chan error, 1)
	go func() { shared <- alice.controller.StartScreenShare(context.Background()) }()
	require.Eventually(t, device.inFlight.Load, timeout, tick)

	require.NoError(t, alice.controller.HangUp(context.Background()))
	assert.False(t, device.inFlight.Load())
	assert.Equal(t, call.Idle, alice.controller.State())

	select {
	case err := <-shared:
		assert.Error(t, err)
	case <-time.After(timeout):
		t.Fatal("screen share request did not return after hang up")
	}
	assert.False(t, alice.observer.snapshot().controls.ScreenSharing)
}

// Holds the user media until released.
type gatedDevice struct {
	*media.SampleDevice

	release chan struct{}
}

func (d *gatedDevice) UserMedia(ctx context.Context, constraints media.Constraints) (*media.Stream, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.SampleDevice.UserMedia(ctx, constraints)
}

func TestSignalingLostWhileAcquiringFailsTheJoin(t *testing.T) {
	hub := signaling.NewMemoryHub()
	device := &gatedDevice{SampleDevice: &media.SampleDevice{}, release: make(chan struct{})}
	logger, hook := logtest.NewNullLogger()

	var transport *signaling.MemoryTransport
	controller := call.NewController(
		call.Config{Room: room, Self: "alice"},
		call.Dependencies{
			Connections: &webrtctest.Factory{},
			Device:      device,
			Transport: func() (signaling.Transport, error) {
				transport = hub.Transport(room, "alice")
				return transport, nil
			},
		},
		nil,
		logrus.NewEntry(logger),
	)
	t.Cleanup(controller.Close)

	joined := make(chan error, 1)
	go func() { joined <- controller.Join(context.Background()) }()

	require.Eventually(t, func() bool { return hub.Members(room) == 1 }, timeout, tick)
	require.NoError(t, transport.Close())
	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Message == "Signaling channel disconnected" {
				return true
			}
		}
		return false
	}, timeout, tick)

	close(device.release)

	select {
	case err := <-joined:
		assert.ErrorIs(t, err, call.ErrSignalingDisconnected)
	case <-time.After(timeout):
		t.Fatal("join did not return")
	}
	assert.Equal(t, call.Idle, controller.State())
}

// Hangs up as soon as the call is established.
type hangingUpObserver struct {
	call.NopObserver

	controller *call.Controller
	hungUp     chan error
}

func (o *hangingUpObserver) OnStateChanged(state call.State) {
	if state == call.InCall {
		go func() { o.hungUp <- o.controller.HangUp(context.Background()) }()
	}
}

func TestObserverCanHangUpFromAnotherGoroutine(t *testing.T) {
	hub := signaling.NewMemoryHub()
	observer := &hangingUpObserver{hungUp: make(chan error, 1)}
	observer.controller = call.NewController(
		call.Config{Room: room, Self: "alice"},
		call.Dependencies{
			Connections: &webrtctest.Factory{},
			Device:      &media.SampleDevice{},
			Transport: func() (signaling.Transport, error) {
				return hub.Transport(room, "alice"), nil
			},
		},
		observer,
		logrus.NewEntry(logrus.StandardLogger()),
	)
	t.Cleanup(observer.controller.Close)

	require.NoError(t, observer.controller.Join(context.Background()))

	select {
	case err := <-observer.hungUp:
		assert.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("hang up did not return")
	}
	assert.Equal(t, call.Idle, observer.controller.State())
}

func dedup(states []call.State) []call.State {
	result := make([]call.State, 0, len(states))
	for _, state := range states {
		if len(result) == 0 || result[len(result)-1] != state {
			result = append(result, state)
		}
	}
	return result
}
