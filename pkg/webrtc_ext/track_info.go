package webrtc_ext

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// RemoteTrack is the receiving side of a track sent by the remote peer.
// It is implemented by `*webrtc.TrackRemote`.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Basic information about a track.
type TrackInfo struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
	SSRC     webrtc.SSRC
	Codec    webrtc.RTPCodecCapability
}

func TrackInfoFromTrack(track RemoteTrack) TrackInfo {
	return TrackInfo{
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		SSRC:     track.SSRC(),
		Codec:    track.Codec().RTPCodecCapability,
	}
}
