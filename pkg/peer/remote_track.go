package peer

import (
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
	"golang.org/x/exp/slices"
)

// RemoteStream is the media received from a participant.
type RemoteStream struct {
	Participant signaling.ParticipantID
	Tracks      []webrtc_ext.TrackInfo
}

func (s *RemoteStream) addTrack(info webrtc_ext.TrackInfo) {
	index := slices.IndexFunc(s.Tracks, func(t webrtc_ext.TrackInfo) bool { return t.TrackID == info.TrackID })
	if index >= 0 {
		s.Tracks[index] = info
		return
	}

	s.Tracks = append(s.Tracks, info)
}

func (s *RemoteStream) removeTrack(trackID string) {
	index := slices.IndexFunc(s.Tracks, func(t webrtc_ext.TrackInfo) bool { return t.TrackID == trackID })
	if index >= 0 {
		s.Tracks = slices.Delete(s.Tracks, index, index+1)
	}
}

func (s *RemoteStream) snapshot() *RemoteStream {
	return &RemoteStream{Participant: s.Participant, Tracks: slices.Clone(s.Tracks)}
}
