package main

import (
	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/call"
	"github.com/trutim/meshcall/pkg/media"
	"github.com/trutim/meshcall/pkg/mesh"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
)

// Renders the call into the log.
type logObserver struct {
	logger *logrus.Entry
}

func (o logObserver) OnStateChanged(state call.State) {
	o.logger.WithField("state", state).Info("State")
}

func (o logObserver) OnPeersChanged(peers []mesh.PeerInfo) {
	fields := logrus.Fields{}
	for _, info := range peers {
		fields[info.ID.String()] = info.Phase.String()
	}

	o.logger.WithFields(fields).Infof("%d peer(s)", len(peers))
}

func (o logObserver) OnLocalStream(stream *media.Stream) {
	o.logger.WithField("stream_id", stream.ID()).Infof("Local stream with %d track(s)", len(stream.Tracks()))
}

func (o logObserver) OnRemoteStream(participant signaling.ParticipantID, stream *peer.RemoteStream) {
	logger := o.logger.WithField("peer_id", participant)
	if stream == nil {
		logger.Info("Remote stream gone")
		return
	}

	for _, track := range stream.Tracks {
		logger.WithFields(logrus.Fields{
			"track_id": track.TrackID,
			"kind":     track.Kind,
			"codec":    track.Codec.MimeType,
		}).Info("Remote track")
	}
}

func (o logObserver) OnControlsChanged(controls call.Controls) {
	o.logger.WithFields(logrus.Fields{
		"muted":          controls.Muted,
		"camera_enabled": controls.CameraEnabled,
		"screen_sharing": controls.ScreenSharing,
	}).Info("Controls")
}

func (o logObserver) OnFatalError(err error) {
	o.logger.WithError(err).Error("Fatal error")
}
