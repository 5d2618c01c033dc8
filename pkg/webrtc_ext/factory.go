package webrtc_ext

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Peer connection factory is used to construct new (pre-configured) peer connections.
type PeerConnectionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewPeerConnectionFactory(config Config) (*PeerConnectionFactory, error) {
	api, err := createWebRTCAPI(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	return &PeerConnectionFactory{api: api, iceServers: config.iceServers()}, nil
}

// Creates a peer connection and subscribes the callbacks to its events.
func (f *PeerConnectionFactory) CreateConnection(callbacks ConnectionCallbacks) (Connection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if callbacks.OnRemoteTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			callbacks.OnRemoteTrack(track)
		})
	}

	if callbacks.OnLocalCandidate != nil {
		pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
			if candidate == nil {
				callbacks.OnLocalCandidate(nil)
				return
			}

			init := candidate.ToJSON()
			callbacks.OnLocalCandidate(&init)
		})
	}

	if callbacks.OnStateChange != nil {
		pc.OnConnectionStateChange(callbacks.OnStateChange)
	}

	return &peerConnection{pc: pc}, nil
}
