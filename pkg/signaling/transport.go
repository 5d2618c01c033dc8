package signaling

import (
	"context"
	"errors"
)

var (
	ErrNotConnected    = errors.New("transport is not connected")
	ErrTransportClosed = errors.New("transport is closed")
)

// Transport is a connection to the message bus of a single room. Everything that is
// written is delivered to the other members of the room; everything the other members
// write shows up on `Messages`. Payloads are opaque to the transport.
type Transport interface {
	// Connects and authenticates. Messages are only received after a successful `Connect`.
	Connect(ctx context.Context) error
	// Writes a payload to the bus.
	Write(payload []byte) error
	// Inbound payloads in arrival order. Closed once the transport is closed or the
	// connection is lost.
	Messages() <-chan []byte
	// Closes the connection. Safe to call many times.
	Close() error
}
