package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Stream groups the tracks produced by a single capture request.
type Stream struct {
	id     string
	tracks []*Track

	mutex    sync.Mutex
	onEnded  func()
	stopOnce sync.Once
	endOnce  sync.Once
}

func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) TracksOfKind(kind webrtc.RTPCodecType) []*Track {
	var tracks []*Track
	for _, track := range s.tracks {
		if track.Kind() == kind {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

// Registers the handler for the "ended" notification, raised when the capture source
// goes away on its own (e.g. the user stopped sharing the screen).
func (s *Stream) OnEnded(handler func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.onEnded = handler
}

// Stops every track of the stream. Does not raise the "ended" notification.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		for _, track := range s.tracks {
			track.Stop()
		}
	})
}

// Called by the capture source when it stops producing media.
func (s *Stream) End() {
	s.endOnce.Do(func() {
		s.Stop()

		s.mutex.Lock()
		handler := s.onEnded
		s.mutex.Unlock()

		if handler != nil {
			handler()
		}
	})
}
