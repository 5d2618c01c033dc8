package peer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trutim/meshcall/pkg/channel"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/telemetry"
	"github.com/trutim/meshcall/pkg/webrtc_ext/webrtctest"
)

type harness struct {
	t        *testing.T
	messages chan channel.Message[peer.Key, peer.MessageContent]
	session  *peer.Session
	conn     *webrtctest.Connection
}

func newHarness(t *testing.T, role peer.Role, config peer.Config, trackIDs ...string) *harness {
	t.Helper()

	key := peer.Key{ID: "bob", Generation: 1}
	messages := make(chan channel.Message[peer.Key, peer.MessageContent], 32)
	factory := &webrtctest.Factory{}

	session, err := peer.NewSession(
		key,
		role,
		factory,
		localTracks(t, trackIDs...),
		channel.NewSink(key, messages),
		config,
		logrus.WithField("peer_id", key.ID),
		telemetry.NewTelemetry(context.Background(), "test"),
	)
	require.NoError(t, err)
	t.Cleanup(session.Close)

	return &harness{t: t, messages: messages, session: session, conn: factory.Connections()[0]}
}

func localTracks(t *testing.T, ids ...string) []webrtc.TrackLocal {
	t.Helper()

	tracks := make([]webrtc.TrackLocal, 0, len(ids))
	for _, id := range ids {
		tracks = append(tracks, localTrack(t, id))
	}
	return tracks
}

func localTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "local")
	require.NoError(t, err)
	return track
}

// Waits for the next message and hands it back to the session the way the room loop does.
func (h *harness) next() peer.MessageContent {
	h.t.Helper()

	select {
	case message := <-h.messages:
		assert.Equal(h.t, h.session.Key(), message.Sender)

		switch content := message.Content.(type) {
		case peer.RemoteDescriptionApplied:
			h.session.OnRemoteDescriptionApplied()
		case peer.RemoteTrackReceived:
			h.session.OnRemoteTrack(content.Info)
		}
		return message.Content
	case <-time.After(time.Second):
		h.t.Fatal("no message from the session")
		return nil
	}
}

func expect[T any](h *harness) T {
	h.t.Helper()

	content := h.next()
	typed, ok := content.(T)
	require.Truef(h.t, ok, "unexpected message %T (%+v)", content, content)
	return typed
}

func (h *harness) quiet() {
	h.t.Helper()

	select {
	case message := <-h.messages:
		h.t.Fatalf("unexpected message %T", message.Content)
	case <-time.After(50 * time.Millisecond):
	}
}

func candidate(n string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:" + n}
}

func TestInitiatorOfferAdvertisesLocalTracks(t *testing.T) {
	h := newHarness(t, peer.Initiator, peer.Config{}, "audio", "video")
	assert.Equal(t, peer.New, h.session.Phase())

	h.session.Offer()
	assert.Equal(t, peer.Negotiating, h.session.Phase())
	assert.True(t, h.session.AwaitingAnswer())

	ready := expect[peer.LocalDescriptionReady](h)
	assert.Equal(t, webrtc.SDPTypeOffer, ready.Description.Type)
	assert.Equal(t, "offer tracks=audio,video", ready.Description.SDP)

	require.NoError(t, h.session.HandleAnswer("answer"))
	expect[peer.RemoteDescriptionApplied](h)
	assert.False(t, h.session.AwaitingAnswer())

	assert.ErrorIs(t, h.session.HandleAnswer("answer"), peer.ErrUnexpectedAnswer)
}

func TestResponderAnswersOffer(t *testing.T) {
	h := newHarness(t, peer.Responder, peer.Config{}, "audio")

	assert.ErrorIs(t, h.session.HandleAnswer("answer"), peer.ErrUnexpectedAnswer)

	h.session.HandleOffer("offer")
	assert.Equal(t, peer.Negotiating, h.session.Phase())

	expect[peer.RemoteDescriptionApplied](h)
	ready := expect[peer.LocalDescriptionReady](h)
	assert.Equal(t, webrtc.SDPTypeAnswer, ready.Description.Type)
	assert.Equal(t, "answer tracks=audio", ready.Description.SDP)
	assert.Equal(t, "offer", h.conn.RemoteDescriptions()[0].SDP)
}

func TestCandidatesAreQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, peer.Responder, peer.Config{})

	h.session.HandleCandidate(candidate("1"))
	h.session.HandleCandidate(candidate("2"))
	assert.Equal(t, 2, h.session.PendingCandidates())
	assert.Empty(t, h.conn.Candidates())

	h.session.HandleOffer("offer")
	expect[peer.RemoteDescriptionApplied](h)
	assert.Zero(t, h.session.PendingCandidates())
	expect[peer.LocalDescriptionReady](h)

	h.session.HandleCandidate(candidate("3"))

	// Same end state as if the candidates had arrived after the offer.
	require.Eventually(t, func() bool { return len(h.conn.Candidates()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("1"), candidate("2"), candidate("3")}, h.conn.Candidates())
	h.quiet()
}

func TestFirstRemoteTrackConnects(t *testing.T) {
	h := newHarness(t, peer.Initiator, peer.Config{})
	h.session.Offer()
	expect[peer.LocalDescriptionReady](h)
	require.NoError(t, h.session.HandleAnswer("answer"))
	expect[peer.RemoteDescriptionApplied](h)

	assert.Nil(t, h.session.RemoteStream())

	h.conn.EmitTrack("remote-video", webrtc.RTPCodecTypeVideo)
	received := expect[peer.RemoteTrackReceived](h)
	assert.Equal(t, "remote-video", received.Info.TrackID)
	assert.Equal(t, peer.Connected, h.session.Phase())

	// A second track does not change the phase.
	assert.False(t, h.session.OnRemoteTrack(received.Info))

	stream := h.session.RemoteStream()
	require.NotNil(t, stream)
	assert.Equal(t, "bob", string(stream.Participant))
	assert.Len(t, stream.Tracks, 1)

	require.Eventually(t, func() bool { return len(h.conn.KeyFrameRequests()) == 1 }, time.Second, time.Millisecond)
}

func TestAddingTrackRenegotiatesConnectedSession(t *testing.T) {
	h := newHarness(t, peer.Responder, peer.Config{}, "camera")
	h.session.HandleOffer("offer")
	expect[peer.RemoteDescriptionApplied](h)
	expect[peer.LocalDescriptionReady](h)
	h.conn.EmitTrack("remote-audio", webrtc.RTPCodecTypeAudio)
	expect[peer.RemoteTrackReceived](h)
	require.Equal(t, peer.Connected, h.session.Phase())

	h.session.AddLocalTracks(localTrack(t, "screen"))

	ready := expect[peer.LocalDescriptionReady](h)
	assert.Equal(t, webrtc.SDPTypeOffer, ready.Description.Type)
	assert.Equal(t, "offer tracks=camera,screen", ready.Description.SDP)
	assert.True(t, h.session.AwaitingAnswer())

	h.session.RemoveLocalTracks("screen")
	h.quiet()

	require.NoError(t, h.session.HandleAnswer("answer"))
	expect[peer.RemoteDescriptionApplied](h)

	// The removal was deferred until the answer.
	ready = expect[peer.LocalDescriptionReady](h)
	assert.Equal(t, "offer tracks=camera", ready.Description.SDP)
}

func TestAddingTrackDefersRenegotiationWhileNegotiating(t *testing.T) {
	h := newHarness(t, peer.Initiator, peer.Config{}, "camera")
	h.session.Offer()
	expect[peer.LocalDescriptionReady](h)

	h.session.AddLocalTracks(localTrack(t, "screen"))
	h.quiet()
	assert.Equal(t, peer.Negotiating, h.session.Phase())
	assert.Equal(t, 1, h.conn.Offers())

	require.NoError(t, h.session.HandleAnswer("answer"))
	expect[peer.RemoteDescriptionApplied](h)
	h.quiet()

	h.conn.EmitTrack("remote-video", webrtc.RTPCodecTypeVideo)
	expect[peer.RemoteTrackReceived](h)

	ready := expect[peer.LocalDescriptionReady](h)
	assert.Equal(t, "offer tracks=camera,screen", ready.Description.SDP)
}

func TestRejectedDescriptionFailsNegotiation(t *testing.T) {
	h := newHarness(t, peer.Responder, peer.Config{})
	h.conn.SetRemoteDescriptionErr = errors.New("bad sdp")

	h.session.HandleOffer("garbage")

	failed := expect[peer.NegotiationFailed](h)
	var negotiationErr *peer.NegotiationError
	require.ErrorAs(t, failed.Err, &negotiationErr)
	assert.Equal(t, "set remote description", negotiationErr.Op)
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(t, peer.Initiator, peer.Config{NegotiationTimeout: 20 * time.Millisecond})
	h.session.Offer()
	expect[peer.LocalDescriptionReady](h)

	expect[peer.NegotiationTimedOut](h)
}

func TestTransportEvents(t *testing.T) {
	h := newHarness(t, peer.Initiator, peer.Config{})

	h.conn.EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:local"})
	assert.Equal(t, "candidate:local", expect[peer.NewICECandidate](h).Candidate.Candidate)

	h.conn.EmitCandidate(nil)
	expect[peer.ICEGatheringComplete](h)

	h.conn.EmitState(webrtc.PeerConnectionStateDisconnected)
	h.conn.EmitState(webrtc.PeerConnectionStateFailed)
	expect[peer.ConnectionFailed](h)
}

func TestCloseIsFinal(t *testing.T) {
	h := newHarness(t, peer.Initiator, peer.Config{})

	h.session.Close()
	h.session.Close()

	assert.Equal(t, peer.Closed, h.session.Phase())
	assert.True(t, h.conn.Closed())

	h.session.Offer()
	h.session.HandleCandidate(candidate("1"))
	assert.Equal(t, peer.Closed, h.session.Phase())
	assert.Zero(t, h.session.PendingCandidates())

	h.conn.EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:late"})
	h.quiet()
}

func TestLocalCandidatesWaitForLocalDescription(t *testing.T) {
	h := newHarness(t, peer.Initiator, peer.Config{}, "camera")

	h.conn.EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:early"})
	early := expect[peer.NewICECandidate](h)
	assert.False(t, h.session.OnLocalCandidate(early.Candidate))

	h.session.Offer()
	expect[peer.LocalDescriptionReady](h)
	assert.Equal(t, []webrtc.ICECandidateInit{early.Candidate}, h.session.OnLocalDescriptionSent())

	h.conn.EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:late"})
	late := expect[peer.NewICECandidate](h)
	assert.True(t, h.session.OnLocalCandidate(late.Candidate))
	assert.Empty(t, h.session.OnLocalDescriptionSent())
}
