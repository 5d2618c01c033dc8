package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

var ErrTrackStopped = errors.New("track is stopped")

type sampleWriter interface {
	WriteSample(sample pionmedia.Sample) error
}

// Track is a local capture track. Disabling a track keeps it attached to the
// peer connections but stops its samples from being sent.
type Track struct {
	local   webrtc.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	onStop   func()
}

// Wraps a local track. `onStop` (optional) releases the underlying capture source
// and is called exactly once.
func NewTrack(local webrtc.TrackLocal, onStop func()) *Track {
	track := &Track{local: local, onStop: onStop}
	track.enabled.Store(true)
	return track
}

func (t *Track) ID() string {
	return t.local.ID()
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.local.Kind()
}

// Local returns the track to be attached to peer connections.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Writes a captured sample. Samples of a disabled track are silently dropped.
func (t *Track) WriteSample(sample pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}

	if !t.enabled.Load() {
		return nil
	}

	writer, ok := t.local.(sampleWriter)
	if !ok {
		return errors.New("track does not accept samples")
	}

	return writer.WriteSample(sample)
}

// Stops the track. Safe to call many times.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

func (t *Track) Stopped() bool {
	return t.stopped.Load()
}
