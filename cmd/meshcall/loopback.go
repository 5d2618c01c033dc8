package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/trutim/meshcall/pkg/call"
	"github.com/trutim/meshcall/pkg/media"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
)

const loopbackRoom = "loopback"

func loopbackCmd() *cobra.Command {
	var (
		peers    int
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Runs a mesh call between local participants over an in-memory bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if peers < 2 {
				return fmt.Errorf("at least 2 peers are needed, got %d", peers)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			return runLoopback(ctx, peers)
		},
	}

	cmd.Flags().IntVar(&peers, "peers", 3, "number of participants")
	cmd.Flags().DurationVar(&duration, "duration", 0, "how long to stay in the call (until interrupted if zero)")

	return cmd
}

func runLoopback(ctx context.Context, count int) error {
	factory, err := webrtc_ext.NewPeerConnectionFactory(webrtc_ext.Config{})
	if err != nil {
		return err
	}

	hub := signaling.NewMemoryHub()
	controllers := make([]*call.Controller, 0, count)

	defer func() {
		for _, controller := range controllers {
			controller.Close()
		}
	}()

	for i := 1; i <= count; i++ {
		self := signaling.ParticipantID(fmt.Sprintf("peer-%d", i))
		logger := logrus.WithFields(logrus.Fields{"room_id": loopbackRoom, "self_id": self})

		controller := call.NewController(
			call.Config{Room: loopbackRoom, Self: self, Peer: peer.Config{NegotiationTimeout: 30 * time.Second}},
			call.Dependencies{
				Connections: factory,
				Device:      &media.SampleDevice{GenerateSilence: true},
				Transport: func() (signaling.Transport, error) {
					return hub.Transport(loopbackRoom, self), nil
				},
			},
			logObserver{logger: logger},
			logger,
		)
		controllers = append(controllers, controller)

		if err := controller.Join(ctx); err != nil {
			return fmt.Errorf("%s could not join: %w", self, err)
		}
	}

	<-ctx.Done()
	logrus.Info("Leaving the loopback call")

	return nil
}
