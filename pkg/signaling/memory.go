package signaling

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

const memoryTransportBuffer = 1024

// MemoryHub is an in-process bus keyed by room. Like the call relay, it delivers
// every payload to all other members of the room and announces `user_left` for
// a member whose connection goes away.
type MemoryHub struct {
	mutex sync.Mutex
	rooms map[string]map[*MemoryTransport]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[string]map[*MemoryTransport]struct{})}
}

// Creates a transport for `participant` in `room`. The participant id is only used
// to announce the departure on close.
func (h *MemoryHub) Transport(room string, participant ParticipantID) *MemoryTransport {
	return &MemoryTransport{
		hub:         h,
		room:        room,
		participant: participant,
		incoming:    make(chan []byte, memoryTransportBuffer),
	}
}

// Members returns the number of connected transports in a room.
func (h *MemoryHub) Members(room string) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return len(h.rooms[room])
}

func (h *MemoryHub) join(t *MemoryTransport) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	members := h.rooms[t.room]
	if members == nil {
		members = make(map[*MemoryTransport]struct{})
		h.rooms[t.room] = members
	}
	members[t] = struct{}{}
}

func (h *MemoryHub) leave(t *MemoryTransport) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	delete(h.rooms[t.room], t)
	if len(h.rooms[t.room]) == 0 {
		delete(h.rooms, t.room)
	}
}

func (h *MemoryHub) broadcast(from *MemoryTransport, payload []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for member := range h.rooms[from.room] {
		if member != from {
			member.deliver(payload)
		}
	}
}

type MemoryTransport struct {
	hub         *MemoryHub
	room        string
	participant ParticipantID
	incoming    chan []byte

	mutex     sync.Mutex
	connected bool
	closed    bool
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return ErrTransportClosed
	}
	t.connected = true
	t.mutex.Unlock()

	t.hub.join(t)
	return nil
}

func (t *MemoryTransport) Write(payload []byte) error {
	t.mutex.Lock()
	connected, closed := t.connected, t.closed
	t.mutex.Unlock()

	switch {
	case closed:
		return ErrTransportClosed
	case !connected:
		return ErrNotConnected
	}

	t.hub.broadcast(t, payload)
	return nil
}

func (t *MemoryTransport) Messages() <-chan []byte {
	return t.incoming
}

func (t *MemoryTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	wasConnected := t.connected
	close(t.incoming)
	t.mutex.Unlock()

	if !wasConnected {
		return nil
	}

	t.hub.leave(t)

	if t.participant != "" {
		if payload, err := Encode(Message{Content: Left{ParticipantID: t.participant}}); err == nil {
			t.hub.broadcast(t, payload)
		}
	}

	return nil
}

func (t *MemoryTransport) deliver(payload []byte) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return
	}

	select {
	case t.incoming <- payload:
	default:
		logrus.WithFields(logrus.Fields{
			"room_id":        t.room,
			"participant_id": t.participant,
		}).Warn("Dropping signaling message, receiver is too slow")
	}
}
