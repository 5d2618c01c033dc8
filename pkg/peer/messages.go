package peer

import (
	"github.com/pion/webrtc/v3"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
)

// Due to the limitation of Go, we're using the `interface{}` to be able to use switch the actual
// type of the message on runtime. The underlying types do not necessary need to be structures.
type MessageContent = interface{}

// The local description (offer or answer) has been created and applied, it must be
// sent to the remote participant.
type LocalDescriptionReady struct {
	Description webrtc.SessionDescription
}

// The remote description has been applied, queued remote candidates can be applied now.
type RemoteDescriptionApplied struct{}

// A local candidate has been gathered, it must be sent to the remote participant.
type NewICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

type ICEGatheringComplete struct{}

type RemoteTrackReceived struct {
	Info webrtc_ext.TrackInfo
}

type RemoteTrackEnded struct {
	Info webrtc_ext.TrackInfo
}

// Applying a description or a candidate failed, the session must be closed.
type NegotiationFailed struct {
	Err error
}

// The transport reported an unrecoverable failure, the session must be closed.
type ConnectionFailed struct{}

// The session did not get connected in time, it must be closed.
type NegotiationTimedOut struct{}
