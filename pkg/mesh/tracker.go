package mesh

import (
	"github.com/trutim/meshcall/pkg/peer"
	"github.com/trutim/meshcall/pkg/signaling"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Tracks the peer sessions of a room, at most one per participant.
type Tracker struct {
	sessions map[signaling.ParticipantID]*peer.Session
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[signaling.ParticipantID]*peer.Session)}
}

// Adds a session, replacing (and closing) the previous session of the same participant.
func (t *Tracker) Add(session *peer.Session) {
	if previous := t.sessions[session.Key().ID]; previous != nil && previous != session {
		previous.Close()
	}

	t.sessions[session.Key().ID] = session
}

// Gets the session of a participant if any.
func (t *Tracker) Get(id signaling.ParticipantID) *peer.Session {
	return t.sessions[id]
}

// Closes and removes the session of a participant. Returns the removed session, if any.
func (t *Tracker) Remove(id signaling.ParticipantID) *peer.Session {
	session := t.sessions[id]
	if session == nil {
		return nil
	}

	session.Close()
	delete(t.sessions, id)

	return session
}

func (t *Tracker) Len() int {
	return len(t.sessions)
}

// IDs returns the participants in a stable (sorted) order.
func (t *Tracker) IDs() []signaling.ParticipantID {
	ids := maps.Keys(t.sessions)
	slices.Sort(ids)
	return ids
}

// Iterates over the sessions in a stable order.
func (t *Tracker) ForEach(fn func(*peer.Session)) {
	for _, id := range t.IDs() {
		fn(t.sessions[id])
	}
}

// Closes and removes every session.
func (t *Tracker) CloseAll() {
	for id, session := range t.sessions {
		session.Close()
		delete(t.sessions, id)
	}
}
