package webrtc_ext

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// Connection is the media transport towards a single remote participant.
type Connection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// Asks the remote encoder of the given track for a keyframe.
	RequestKeyFrame(ssrc webrtc.SSRC) error
	Close() error
}

// Notifications emitted by a connection. They are called from pion's goroutines.
type ConnectionCallbacks struct {
	OnRemoteTrack func(track RemoteTrack)
	// Called with `nil` once the gathering is complete.
	OnLocalCandidate func(candidate *webrtc.ICECandidateInit)
	OnStateChange    func(state webrtc.PeerConnectionState)
}

// ConnectionFactory creates connections. Implemented by `PeerConnectionFactory`.
type ConnectionFactory interface {
	CreateConnection(callbacks ConnectionCallbacks) (Connection, error)
}

// Wraps pion's peer connection into a `Connection`.
type peerConnection struct {
	pc *webrtc.PeerConnection
}

func (c *peerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// Incoming RTCP must be read for the interceptors (NACK etc.) to work.
	go func() {
		buffer := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buffer); err != nil {
				return
			}
		}
	}()

	return sender, nil
}

func (c *peerConnection) RemoveTrack(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

func (c *peerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *peerConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(description)
}

func (c *peerConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(description)
}

func (c *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *peerConnection) RequestKeyFrame(ssrc webrtc.SSRC) error {
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}

func (c *peerConnection) Close() error {
	return c.pc.Close()
}
