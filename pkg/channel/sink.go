package channel

import (
	"errors"
	"sync"
)

var ErrSinkSealed = errors.New("sink is sealed")

// Sink is the write end that a single producer (e.g. a peer session) uses to post
// events into a loop that is shared by many producers (e.g. a room). Every message
// is stamped with the producer's identity, so a producer can't post on behalf of
// another one. Sealing the sink detaches the producer without closing the shared
// channel, since the other producers are still using it.
type Sink[SenderType comparable, MessageType any] struct {
	sender SenderType
	target chan<- Message[SenderType, MessageType]

	sealOnce sync.Once
	sealed   chan struct{}
}

// Creates a new sink for `sender`. The sink does not own `target` and never closes it.
func NewSink[S comparable, M any](sender S, target chan<- Message[S, M]) *Sink[S, M] {
	return &Sink[S, M]{
		sender: sender,
		target: target,
		sealed: make(chan struct{}),
	}
}

// Sender returns the identity that the sink stamps on every message.
func (s *Sink[S, M]) Sender() S {
	return s.sender
}

// Posts a message. Blocks while the target is full, unless the sink gets sealed meanwhile.
func (s *Sink[S, M]) Send(message M) error {
	select {
	case <-s.sealed:
		return ErrSinkSealed
	default:
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.target <- Message[S, M]{Sender: s.sender, Content: message}:
		return nil
	}
}

// Seals the sink: any `Send` after `Seal` returns fails with `ErrSinkSealed`, and
// senders that are blocked on a full target are released. Safe to call many times.
func (s *Sink[S, M]) Seal() {
	s.sealOnce.Do(func() { close(s.sealed) })
}

// Sealed reports whether the sink has been sealed.
func (s *Sink[S, M]) Sealed() bool {
	select {
	case <-s.sealed:
		return true
	default:
		return false
	}
}

// Message posted through a sink.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}
