// Package webrtctest provides an in-memory `webrtc_ext.Connection` for tests.
package webrtctest

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
)

var ErrNoRemoteDescription = errors.New("remote description is not set")

// Factory creates fake connections and remembers them.
type Factory struct {
	// Returned by `CreateConnection` when set.
	Err error
	// Candidates that every connection gathers from within `SetLocalDescription`,
	// like pion which starts the ICE gathering there.
	GatheredCandidates []webrtc.ICECandidateInit

	mutex       sync.Mutex
	connections []*Connection
}

func (f *Factory) CreateConnection(callbacks webrtc_ext.ConnectionCallbacks) (webrtc_ext.Connection, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	connection := &Connection{
		callbacks: callbacks,
		gathered:  f.GatheredCandidates,
		senders:   make(map[*webrtc.RTPSender]webrtc.TrackLocal),
		closed:    make(chan struct{}),
	}
	f.connections = append(f.connections, connection)

	return connection, nil
}

func (f *Factory) Connections() []*Connection {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]*Connection(nil), f.connections...)
}

// Connection records the calls made on it. The SDP it produces lists the IDs of the
// attached tracks, so tests can check what a description advertises.
type Connection struct {
	callbacks webrtc_ext.ConnectionCallbacks
	gathered  []webrtc.ICECandidateInit

	mutex              sync.Mutex
	senders            map[*webrtc.RTPSender]webrtc.TrackLocal
	order              []*webrtc.RTPSender
	localDescriptions  []webrtc.SessionDescription
	remoteDescriptions []webrtc.SessionDescription
	candidates         []webrtc.ICECandidateInit
	keyFrameRequests   []webrtc.SSRC
	closed             chan struct{}
	closeOnce          sync.Once

	// Errors to inject.
	SetRemoteDescriptionErr error
	AddICECandidateErr      error
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	sender := &webrtc.RTPSender{}
	c.senders[sender] = track
	c.order = append(c.order, sender)

	return sender, nil
}

func (c *Connection) RemoveTrack(sender *webrtc.RTPSender) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, found := c.senders[sender]; !found {
		return errors.New("unknown sender")
	}

	delete(c.senders, sender)
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.describe("offer")}, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mutex.Lock()
	hasOffer := len(c.remoteDescriptions) > 0
	c.mutex.Unlock()

	if !hasOffer {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: c.describe("answer")}, nil
}

func (c *Connection) SetLocalDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	c.localDescriptions = append(c.localDescriptions, description)
	gather := len(c.localDescriptions) == 1
	c.mutex.Unlock()

	if gather && c.callbacks.OnLocalCandidate != nil {
		for i := range c.gathered {
			candidate := c.gathered[i]
			c.callbacks.OnLocalCandidate(&candidate)
		}
	}

	return nil
}

func (c *Connection) SetRemoteDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.SetRemoteDescriptionErr != nil {
		return c.SetRemoteDescriptionErr
	}

	c.remoteDescriptions = append(c.remoteDescriptions, description)
	return nil
}

// Like a real connection, fails when no remote description is set.
func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.remoteDescriptions) == 0 {
		return ErrNoRemoteDescription
	}

	if c.AddICECandidateErr != nil {
		return c.AddICECandidateErr
	}

	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Connection) RequestKeyFrame(ssrc webrtc.SSRC) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.keyFrameRequests = append(c.keyFrameRequests, ssrc)
	return nil
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// EmitTrack simulates a track sent by the remote side. The track ends when the
// connection is closed.
func (c *Connection) EmitTrack(id string, kind webrtc.RTPCodecType) {
	c.callbacks.OnRemoteTrack(&RemoteTrack{id: id, kind: kind, ssrc: webrtc.SSRC(len(id)), closed: c.closed})
}

// EmitCandidate simulates a gathered local candidate (`nil` for the end of gathering).
func (c *Connection) EmitCandidate(candidate *webrtc.ICECandidateInit) {
	c.callbacks.OnLocalCandidate(candidate)
}

func (c *Connection) EmitState(state webrtc.PeerConnectionState) {
	c.callbacks.OnStateChange(state)
}

func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// TrackIDs returns the IDs of the attached tracks in the order of attachment.
func (c *Connection) TrackIDs() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.trackIDs()
}

func (c *Connection) LocalDescriptions() []webrtc.SessionDescription {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]webrtc.SessionDescription(nil), c.localDescriptions...)
}

func (c *Connection) RemoteDescriptions() []webrtc.SessionDescription {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]webrtc.SessionDescription(nil), c.remoteDescriptions...)
}

func (c *Connection) Candidates() []webrtc.ICECandidateInit {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Connection) KeyFrameRequests() []webrtc.SSRC {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]webrtc.SSRC(nil), c.keyFrameRequests...)
}

// Offers returns how many offers were applied locally.
func (c *Connection) Offers() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	count := 0
	for _, description := range c.localDescriptions {
		if description.Type == webrtc.SDPTypeOffer {
			count++
		}
	}
	return count
}

func (c *Connection) describe(kind string) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return fmt.Sprintf("%s tracks=%s", kind, strings.Join(c.trackIDs(), ","))
}

func (c *Connection) trackIDs() []string {
	ids := make([]string, 0, len(c.order))
	for _, sender := range c.order {
		if track, found := c.senders[sender]; found {
			ids = append(ids, track.ID())
		}
	}
	return ids
}

// RemoteTrack is a remote track that produces no packets.
type RemoteTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	ssrc   webrtc.SSRC
	closed <-chan struct{}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return "remote-" + t.id }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *RemoteTrack) SSRC() webrtc.SSRC         { return t.ssrc }

func (t *RemoteTrack) Codec() webrtc.RTPCodecParameters {
	if t.kind == webrtc.RTPCodecTypeAudio {
		return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}}
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}}
}

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.closed
	return nil, nil, io.EOF
}
