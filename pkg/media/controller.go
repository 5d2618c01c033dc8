package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Returned for an acquisition that completed after the media got released.
var ErrReleased = errors.New("local media has been released")

// MediaAcquisitionError is returned when the capture device refuses to provide
// the media (no device, permission denied). It is fatal to joining a call.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire media: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error {
	return e.Err
}

// Controller owns the local media of a call: the camera/microphone stream and the
// optional screen-share stream. Only the controller starts and stops their tracks.
type Controller struct {
	device CaptureDevice
	logger *logrus.Entry

	mutex         sync.Mutex
	local         *Stream
	screen        *Stream
	muted         bool
	cameraEnabled bool
	// Bumped by `ReleaseAll`, so that acquisitions started before it are discarded.
	generation uint64
}

func NewController(device CaptureDevice, logger *logrus.Entry) *Controller {
	return &Controller{device: device, logger: logger, cameraEnabled: true}
}

// Returns the local stream, acquiring it on the first call.
func (c *Controller) AcquireLocalMedia(ctx context.Context) (*Stream, error) {
	c.mutex.Lock()
	if c.local != nil {
		defer c.mutex.Unlock()
		return c.local, nil
	}
	generation := c.generation
	c.mutex.Unlock()

	stream, err := c.device.UserMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		return nil, &MediaAcquisitionError{Err: err}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.generation != generation {
		stream.Stop()
		return nil, ErrReleased
	}

	// Lost a race with a concurrent acquisition.
	if c.local != nil {
		stream.Stop()
		return c.local, nil
	}

	c.local = stream
	c.applyFlags()
	c.logger.WithField("stream_id", stream.ID()).Info("Local media acquired")

	return stream, nil
}

// Starts capturing the screen. `onEnded` is called when the capture is stopped
// from outside of the application.
func (c *Controller) AcquireScreenShare(ctx context.Context, onEnded func(*Stream)) (*Stream, error) {
	c.mutex.Lock()
	if c.screen != nil {
		defer c.mutex.Unlock()
		return c.screen, nil
	}
	generation := c.generation
	c.mutex.Unlock()

	stream, err := c.device.DisplayMedia(ctx)
	if err != nil {
		return nil, &MediaAcquisitionError{Err: err}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.generation != generation {
		stream.Stop()
		return nil, ErrReleased
	}

	if c.screen != nil {
		stream.Stop()
		return c.screen, nil
	}

	if onEnded != nil {
		stream.OnEnded(func() { onEnded(stream) })
	}

	c.screen = stream
	c.logger.WithField("stream_id", stream.ID()).Info("Screen share started")

	return stream, nil
}

// Stops and forgets the screen-share stream. Returns the stopped stream (or nil if
// there was none) so that its tracks can be detached from the peers.
func (c *Controller) StopScreenShare() *Stream {
	c.mutex.Lock()
	screen := c.screen
	c.screen = nil
	c.mutex.Unlock()

	if screen != nil {
		screen.Stop()
		c.logger.WithField("stream_id", screen.ID()).Info("Screen share stopped")
	}

	return screen
}

// Mutes or unmutes the microphone. Does nothing (and returns false) without a local stream.
func (c *Controller) SetMuted(muted bool) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.local == nil {
		return false
	}

	c.muted = muted
	c.applyFlags()
	return true
}

// Enables or disables the camera. Does nothing (and returns false) without a local stream.
func (c *Controller) SetCameraEnabled(enabled bool) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.local == nil {
		return false
	}

	c.cameraEnabled = enabled
	c.applyFlags()
	return true
}

func (c *Controller) Muted() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.muted
}

func (c *Controller) CameraEnabled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.cameraEnabled
}

func (c *Controller) LocalStream() *Stream {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.local
}

func (c *Controller) ScreenShare() *Stream {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.screen
}

// Tracks returns the tracks to attach to a new peer: the local ones followed by
// the screen-share ones.
func (c *Controller) Tracks() []*Track {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var tracks []*Track
	for _, stream := range []*Stream{c.local, c.screen} {
		if stream != nil {
			tracks = append(tracks, stream.Tracks()...)
		}
	}

	return tracks
}

// Stops all held streams and clears them. Safe to call many times.
func (c *Controller) ReleaseAll() {
	c.mutex.Lock()
	local, screen := c.local, c.screen
	c.local, c.screen = nil, nil
	c.muted, c.cameraEnabled = false, true
	c.generation++
	c.mutex.Unlock()

	for _, stream := range []*Stream{local, screen} {
		if stream != nil {
			stream.Stop()
		}
	}

	if local != nil || screen != nil {
		c.logger.Info("Local media released")
	}
}

// Must be called with the mutex held.
func (c *Controller) applyFlags() {
	for _, track := range c.local.TracksOfKind(webrtc.RTPCodecTypeAudio) {
		track.SetEnabled(!c.muted)
	}

	for _, track := range c.local.TracksOfKind(webrtc.RTPCodecTypeVideo) {
		track.SetEnabled(c.cameraEnabled)
	}
}
