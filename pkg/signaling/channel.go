package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trutim/meshcall/pkg/worker"
)

var ErrChannelClosed = errors.New("signaling channel is closed")

const (
	defaultQueueSize = 128
	// How long `Close` waits for the queued messages to be written.
	flushTimeout = 2 * time.Second
)

// DeliveryFailure is reported when a message could not be handed to the bus. Signaling is
// best-effort: failures are never retried and never abort the call.
type DeliveryFailure struct {
	Message Message
	Err     error
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("failed to deliver %T from %s: %v", f.Message.Content, f.Message.From, f.Err)
}

func (f *DeliveryFailure) Unwrap() error {
	return f.Err
}

type ChannelConfig struct {
	// Size of the outgoing queue.
	QueueSize int
	// Called (from an arbitrary goroutine) for every message that could not be delivered.
	OnDeliveryFailure func(*DeliveryFailure)
}

// Channel adapts a room's bus transport to typed signaling messages on behalf of one
// local participant.
type Channel struct {
	self      ParticipantID
	transport Transport
	config    ChannelConfig
	logger    *logrus.Entry

	outgoing  *worker.Worker[outgoingTask]
	connected atomic.Bool
	opened    atomic.Bool

	closeOnce sync.Once
}

type outgoingTask struct {
	message Message
	payload []byte
	flushed chan struct{}
}

func NewChannel(self ParticipantID, transport Transport, config ChannelConfig, logger *logrus.Entry) *Channel {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	c := &Channel{
		self:      self,
		transport: transport,
		config:    config,
		logger:    logger,
	}

	c.outgoing = worker.StartWorker(worker.Config[outgoingTask]{
		ChannelSize: config.QueueSize,
		OnTask:      c.write,
	})

	return c
}

// Connects the transport and starts delivering inbound messages to `handler`, one at a
// time and in arrival order. Payloads of unknown types are ignored.
func (c *Channel) Open(ctx context.Context, handler func(Message)) error {
	if !c.opened.CompareAndSwap(false, true) {
		return errors.New("signaling channel is already open")
	}

	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to the signaling bus: %w", err)
	}

	c.connected.Store(true)
	c.logger.Info("Signaling channel connected")

	go c.readLoop(handler)
	return nil
}

// Connected reports whether the bus connection is up.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Enqueues a message for delivery and returns immediately.
func (c *Channel) Send(content MessageContent) {
	message := Message{From: c.self, Content: content}

	payload, err := Encode(message)
	if err != nil {
		c.reportFailure(message, err)
		return
	}

	if err := c.outgoing.Send(outgoingTask{message: message, payload: payload}); err != nil {
		if errors.Is(err, worker.ErrWorkerStopped) {
			err = ErrChannelClosed
		}
		c.reportFailure(message, err)
	}
}

// Flushes the queued messages (bounded by a timeout) and closes the transport.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		flushed := make(chan struct{})
		if err := c.outgoing.Send(outgoingTask{flushed: flushed}); err == nil {
			select {
			case <-flushed:
			case <-time.After(flushTimeout):
				c.logger.Warn("Timed out while flushing outgoing signaling messages")
			}
		}

		c.outgoing.Stop()
		c.connected.Store(false)

		if err := c.transport.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close the signaling transport")
		}
	})
}

func (c *Channel) write(task outgoingTask) {
	if task.flushed != nil {
		close(task.flushed)
		return
	}

	if err := c.transport.Write(task.payload); err != nil {
		c.reportFailure(task.message, err)
	}
}

func (c *Channel) readLoop(handler func(Message)) {
	for payload := range c.transport.Messages() {
		message, err := Decode(payload)
		switch {
		case errors.Is(err, ErrUnknownMessageType):
			c.logger.WithError(err).Debug("Ignoring signaling message")
			continue
		case err != nil:
			c.logger.WithError(err).Warn("Failed to decode signaling message")
			continue
		}

		handler(message)
	}

	c.connected.Store(false)
	c.logger.Info("Signaling channel disconnected")
}

func (c *Channel) reportFailure(message Message, err error) {
	failure := &DeliveryFailure{Message: message, Err: err}
	c.logger.WithError(err).Warnf("Failed to send %T", message.Content)

	if c.config.OnDeliveryFailure != nil {
		c.config.OnDeliveryFailure(failure)
	}
}
