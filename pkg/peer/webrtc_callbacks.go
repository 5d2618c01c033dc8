package peer

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v3"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
)

// A callback that is called once we receive first RTP packets from a track, i.e.
// we call this function each time a new track is received.
func (s *Session) onRemoteTrack(track webrtc_ext.RemoteTrack) {
	info := webrtc_ext.TrackInfoFromTrack(track)
	logger := s.logger.WithField("track_id", info.TrackID)
	logger.WithField("kind", info.Kind).Info("Remote track received")

	if s.sink.Send(RemoteTrackReceived{Info: info}) != nil {
		return
	}

	// Ask for a keyframe right away, so that the video can be rendered without waiting
	// for the next periodic one.
	if info.Kind == webrtc.RTPCodecTypeVideo {
		_ = s.ops.Send(func() {
			if err := s.conn.RequestKeyFrame(info.SSRC); err != nil {
				logger.WithError(err).Warn("failed to request a keyframe")
			}
		})
	}

	go func() {
		for {
			packet, _, err := track.ReadRTP()
			if err != nil {
				if errors.Is(err, io.EOF) {
					logger.Info("Remote track closed")
				} else {
					logger.WithError(err).Warn("failed to read from remote track")
				}

				_ = s.sink.Send(RemoteTrackEnded{Info: info})
				return
			}

			if s.config.OnRTP != nil {
				s.config.OnRTP(s.key, info, packet)
			}
		}
	}()
}

// A callback that is called once we gather a local ICE candidate.
func (s *Session) onLocalCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		s.logger.Debug("ICE candidate gathering finished")
		_ = s.sink.Send(ICEGatheringComplete{})
		return
	}

	s.logger.WithField("candidate", candidate.Candidate).Debug("ICE candidate gathered")
	_ = s.sink.Send(NewICECandidate{Candidate: *candidate})
}

func (s *Session) onStateChange(state webrtc.PeerConnectionState) {
	s.logger.Infof("Connection state changed: %v", state)

	// A disconnected connection may recover on its own, a failed one never does.
	if state == webrtc.PeerConnectionStateFailed {
		_ = s.sink.Send(ConnectionFailed{})
	}
}
