package call

import (
	"errors"

	"github.com/trutim/meshcall/pkg/media"
	"github.com/trutim/meshcall/pkg/mesh"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
)

var (
	ErrNotInCall     = errors.New("not in a call")
	ErrAlreadyJoined = errors.New("already joined or joining")
	ErrJoinAborted   = errors.New("join aborted by hang up")

	// The signaling channel went down before the call was established.
	ErrSignalingDisconnected = errors.New("signaling channel disconnected")
)

// Lifecycle state of the call.
type State int

const (
	Idle State = iota
	Joining
	InCall
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case InCall:
		return "in call"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// State of the user controls.
type Controls struct {
	Muted         bool
	CameraEnabled bool
	ScreenSharing bool
}

// Observer receives the notifications for the rendering layer. All methods of an observer
// are called from the room loop of the call, one at a time, and must not block.
//
// The room loop is the one running the Controller methods, so an observer must not call
// them synchronously (e.g. HangUp from OnFatalError): the call would wait for the loop
// that is waiting for the observer. Call them from another goroutine instead.
type Observer interface {
	OnStateChanged(state State)
	OnPeersChanged(peers []mesh.PeerInfo)
	OnLocalStream(stream *media.Stream)
	// Called with a nil stream when the participant's media is gone.
	OnRemoteStream(participant signaling.ParticipantID, stream *peer.RemoteStream)
	OnControlsChanged(controls Controls)
	OnFatalError(err error)
}

// NopObserver ignores all notifications. Embed it to implement only some of them.
type NopObserver struct{}

func (NopObserver) OnStateChanged(State)                                       {}
func (NopObserver) OnPeersChanged([]mesh.PeerInfo)                             {}
func (NopObserver) OnLocalStream(*media.Stream)                                {}
func (NopObserver) OnRemoteStream(signaling.ParticipantID, *peer.RemoteStream) {}
func (NopObserver) OnControlsChanged(Controls)                                 {}
func (NopObserver) OnFatalError(error)                                         {}
