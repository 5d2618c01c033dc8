/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package call

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/media"
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
	"github.com/trutim/meshcall/pkg/webrtc_ext"
)

type Config struct {
	// The room to join.
	Room string
	// The local participant.
	Self signaling.ParticipantID
	// Configuration of the peer sessions.
	Peer peer.Config
	// Size of the outgoing signaling queue.
	SignalingQueueSize int
}

// External capabilities used by the call.
type Dependencies struct {
	Connections webrtc_ext.ConnectionFactory
	Device      media.CaptureDevice
	// Creates the signaling transport for a join. A transport is used for a single join.
	Transport func() (signaling.Transport, error)
}

// Controller is the entry point for the user interface: it joins and leaves the room
// and applies the user intents. It is safe for concurrent use.
type Controller struct {
	config   Config
	deps     Dependencies
	observer Observer
	logger   *logrus.Entry

	mutex   sync.Mutex
	state   State
	session *roomSession
}

func NewController(config Config, deps Dependencies, observer Observer, logger *logrus.Entry) *Controller {
	if observer == nil {
		observer = NopObserver{}
	}

	return &Controller{
		config:   config,
		deps:     deps,
		observer: observer,
		logger:   logger.WithFields(logrus.Fields{"room_id": config.Room, "self_id": config.Self}),
	}
}

func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state
}

// Joins the room. Blocks until the call is established, or until the join fails, in which
// case the call is back to `Idle`. A failure to acquire the local media is returned as
// `*media.MediaAcquisitionError`. Cancelling `ctx` aborts the join.
func (c *Controller) Join(ctx context.Context) error {
	c.mutex.Lock()
	if c.state != Idle {
		c.mutex.Unlock()
		return ErrAlreadyJoined
	}

	session, err := newRoomSession(ctx, c)
	if err != nil {
		c.mutex.Unlock()
		return err
	}

	c.session = session
	c.state = Joining
	c.mutex.Unlock()

	go session.run()

	return <-session.joined
}

// Mutes the microphone if unmuted and vice versa.
func (c *Controller) ToggleMute() error {
	return c.do(func(s *roomSession, reply func(error)) {
		s.media.SetMuted(!s.media.Muted())
		s.notifyControls()
		reply(nil)
	})
}

// Disables the camera if enabled and vice versa.
func (c *Controller) ToggleCamera() error {
	return c.do(func(s *roomSession, reply func(error)) {
		s.media.SetCameraEnabled(!s.media.CameraEnabled())
		s.notifyControls()
		reply(nil)
	})
}

// Starts sharing the screen with every peer. Does nothing if already sharing.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	return c.do(func(s *roomSession, reply func(error)) {
		s.startScreenShare(ctx, reply)
	})
}

// Stops sharing the screen. Does nothing if not sharing.
func (c *Controller) StopScreenShare() error {
	return c.do(func(s *roomSession, reply func(error)) {
		s.stopScreenShare()
		reply(nil)
	})
}

// Leaves the room: closes every peer session, releases the local media and disconnects
// from the signaling bus. Returns once everything is released. Calling it while not in
// a call does nothing.
func (c *Controller) HangUp(ctx context.Context) error {
	c.mutex.Lock()
	session := c.session
	c.mutex.Unlock()

	if session == nil {
		return nil
	}

	session.requestHangUp()

	select {
	case <-session.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangs up (process teardown).
func (c *Controller) Close() {
	_ = c.HangUp(context.Background())
}

// Runs an intent on the room loop. Intents are only accepted in a call.
func (c *Controller) do(intent func(s *roomSession, reply func(error))) error {
	c.mutex.Lock()
	session := c.session
	c.mutex.Unlock()

	if session == nil {
		return ErrNotInCall
	}

	result := make(chan error, 1)
	reply := func(err error) { result <- err }

	posted := session.post(func() {
		if session.state != InCall {
			reply(ErrNotInCall)
			return
		}
		intent(session, reply)
	})
	if !posted {
		return ErrNotInCall
	}

	select {
	case err := <-result:
		return err
	case <-session.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrNotInCall
		}
	}
}

func (c *Controller) setState(session *roomSession, state State) {
	c.mutex.Lock()
	if c.session == session {
		c.state = state
		if state == Idle {
			c.session = nil
		}
	}
	c.mutex.Unlock()

	c.observer.OnStateChanged(state)
}
