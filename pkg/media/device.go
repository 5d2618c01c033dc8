package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// What a user media request asks for.
type Constraints struct {
	Audio bool
	Video bool
}

// CaptureDevice is the capture capability of the platform.
type CaptureDevice interface {
	// Captures the microphone and/or the camera.
	UserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
	// Captures the screen.
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// An Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

// SampleDevice is a capture device for headless participants: it produces pion
// sample tracks (Opus audio, VP8 video) that the application writes samples into.
type SampleDevice struct {
	// When set, audio tracks are fed with Opus silence until stopped, which is
	// enough for the remote side to receive RTP on the audio track.
	GenerateSilence bool
}

func (d *SampleDevice) UserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()

	var tracks []*Track
	if constraints.Audio {
		track, err := d.newTrack(webrtc.MimeTypeOpus, "audio", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	if constraints.Video {
		track, err := d.newTrack(webrtc.MimeTypeVP8, "video", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	return NewStream(streamID, tracks...), nil
}

func (d *SampleDevice) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()

	track, err := d.newTrack(webrtc.MimeTypeVP8, "screen", streamID)
	if err != nil {
		return nil, err
	}

	return NewStream(streamID, track), nil
}

func (d *SampleDevice) newTrack(mimeType, label, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		label+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", label, err)
	}

	if !d.GenerateSilence || mimeType != webrtc.MimeTypeOpus {
		return NewTrack(local, nil), nil
	}

	done := make(chan struct{})
	track := NewTrack(local, func() { close(done) })
	go pumpSilence(track, done)

	return track, nil
}

func pumpSilence(track *Track, done <-chan struct{}) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Errors before the track is bound to a connection are expected.
			_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration})
		}
	}
}
