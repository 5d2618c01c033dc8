package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/trutim/meshcall/pkg/call"
	"github.com/trutim/meshcall/pkg/config"
	"github.com/trutim/meshcall/pkg/media"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/telemetry"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
)

const hangUpTimeout = 5 * time.Second

func joinCmd() *cobra.Command {
	var (
		configFilePath string
		room           string
		self           string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Joins a room and stays in the call until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Load the config file from the environment variable or path.
			cfg, err := config.LoadConfig(configFilePath)
			if err != nil {
				return fmt.Errorf("could not load config: %w", err)
			}

			logrus.SetLevel(cfg.Level())
			if os.Getenv("CONFIG") == "" {
				if err := config.WatchLogLevel(ctx, configFilePath); err != nil {
					logrus.WithError(err).Warn("Config changes will not be applied")
				}
			}

			if cfg.Telemetry.Enabled() {
				provider, err := telemetry.SetupTelemetry(ctx, cfg.Telemetry)
				if err != nil {
					return fmt.Errorf("could not set up telemetry: %w", err)
				}
				defer func() {
					if err := provider.Shutdown(context.Background()); err != nil {
						logrus.WithError(err).Warn("Failed to flush the traces")
					}
				}()
			}

			return runParticipant(ctx, cfg, room, signaling.ParticipantID(self))
		},
	}

	cmd.Flags().StringVar(&configFilePath, "config", "config.yaml", "configuration file path")
	cmd.Flags().StringVar(&room, "room", "", "room to join")
	cmd.Flags().StringVar(&self, "id", "", "participant id on the signaling bus")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runParticipant(ctx context.Context, cfg *config.Config, room string, self signaling.ParticipantID) error {
	logger := logrus.WithFields(logrus.Fields{"room_id": room, "self_id": self})

	factory, err := webrtc_ext.NewPeerConnectionFactory(cfg.WebRTC)
	if err != nil {
		return err
	}

	peerConfig := cfg.Call.PeerConfig()
	peerConfig.OnRTP = newPacketCounter(logger).onRTP

	controller := call.NewController(
		call.Config{
			Room:               room,
			Self:               self,
			Peer:               peerConfig,
			SignalingQueueSize: cfg.Call.QueueSize,
		},
		call.Dependencies{
			Connections: factory,
			Device:      &media.SampleDevice{GenerateSilence: true},
			Transport: func() (signaling.Transport, error) {
				return cfg.Signaling.NewTransport(room, logger)
			},
		},
		logObserver{logger: logger},
		logger,
	)

	if err := controller.Join(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("could not join %s: %w", room, err)
	}

	<-ctx.Done()
	logger.Info("Hanging up")

	hangUpCtx, cancel := context.WithTimeout(context.Background(), hangUpTimeout)
	defer cancel()

	return controller.HangUp(hangUpCtx)
}

// Logs the first packet of every remote track and counts the rest.
type packetCounter struct {
	logger  *logrus.Entry
	packets atomic.Uint64
}

func newPacketCounter(logger *logrus.Entry) *packetCounter {
	return &packetCounter{logger: logger}
}

func (c *packetCounter) onRTP(key peer.Key, track webrtc_ext.TrackInfo, packet *rtp.Packet) {
	count := c.packets.Add(1)
	if count == 1 || count%1000 == 0 {
		c.logger.WithFields(logrus.Fields{
			"peer_id":  key.ID,
			"track_id": track.TrackID,
			"seq":      packet.SequenceNumber,
			"total":    count,
		}).Debug("Received RTP")
	}
}
