// Package broadcast implements the SessionBroadcaster referenced by
// spec §4.4/§4.5: a per-session bounded ring of durable events plus
// fan-out to current subscribers, with catch-up/resync semantics.
package broadcast

import (
	"sync"

	"github.com/duh17/hostguard/pkg/protocol"
)

// defaultCapacity is the per-session ring capacity; the spec leaves this
// configurable alongside the user-wide ring (§9 Open Question).
const defaultCapacity = 2000

// ringEntry is one retained durable event (§3 "Event ring entry").
type ringEntry struct {
	seq int64
	msg protocol.ServerMessage
}

// subscriber wraps one listener's channel with its own lock so Publish can
// hold a blocking send open on it while Subscribe's unsubscribe function
// safely waits its turn to close, instead of racing a close against a send
// on the same channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan protocol.ServerMessage
	closed bool
}

// Session fans out ServerMessages to current subscribers and retains
// durable ones in a bounded ring for catch-up.
type Session struct {
	sessionID string
	capacity  int

	mu          sync.Mutex
	nextSeq     int64
	ring        []ringEntry // logical queue; oldest first
	subscribers map[int]*subscriber
	nextSubID   int
}

// NewSession returns a broadcaster for one session. capacity<=0 uses the
// default of 2000.
func NewSession(sessionID string, capacity int) *Session {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Session{
		sessionID:   sessionID,
		capacity:    capacity,
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe registers a new listener and returns it plus an unsubscribe
// function. The channel is buffered so one slow subscriber does not
// block Publish for others; callers are expected to drain promptly.
func (s *Session) Subscribe(buffer int) (<-chan protocol.ServerMessage, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{ch: make(chan protocol.ServerMessage, buffer)}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = sub
	s.mu.Unlock()

	return sub.ch, func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()

		// Take sub.mu so this can't race a Publish send already in
		// flight on sub.ch; once held, no further send can start
		// because Publish snapshots subscribers under s.mu above.
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Publish assigns msg a per-session seq and retains it in the ring when
// it is a durable type; it is always fanned out to current subscribers
// regardless of durability (§4.4 "Durable vs ephemeral classification").
func (s *Session) Publish(msg protocol.ServerMessage) protocol.ServerMessage {
	s.mu.Lock()
	if protocol.IsDurable(msg.Type) {
		s.nextSeq++
		seq := s.nextSeq
		msg.Seq = &seq
		s.ring = append(s.ring, ringEntry{seq: seq, msg: msg})
		if len(s.ring) > s.capacity {
			s.ring = s.ring[len(s.ring)-s.capacity:]
		}
	}
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		if protocol.IsDroppable(msg.Type) {
			select {
			case sub.ch <- msg:
			default:
				// Droppable types are fine to drop under backpressure; the
				// subscriber's own StreamMux connection applies the same
				// rule on the send path (§4.5 Invariant 8 only protects
				// non-droppable types).
			}
			sub.mu.Unlock()
			continue
		}
		// Non-droppable types (including every durable type) must never be
		// discarded here: block until the subscriber's forward goroutine
		// drains its channel, same as the owner connection's send path
		// blocks on its own outbound queue under backpressure. Holding
		// sub.mu across the send keeps Subscribe's unsubscribe function
		// from closing sub.ch until this send has completed.
		sub.ch <- msg
		sub.mu.Unlock()
	}
	return msg
}

// CatchUp implements §4.4 "getCatchUp(sessionId, sinceSeq)": returns the
// retained events after sinceSeq, the current seq, and whether the
// requested cursor was still within the ring's retention window.
func (s *Session) CatchUp(sinceSeq int64) (events []protocol.ServerMessage, currentSeq int64, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentSeq = s.nextSeq
	if len(s.ring) == 0 {
		return nil, currentSeq, true
	}
	oldest := s.ring[0].seq
	if sinceSeq < oldest-1 {
		return nil, currentSeq, false
	}
	for _, e := range s.ring {
		if e.seq > sinceSeq {
			events = append(events, e.msg)
		}
	}
	return events, currentSeq, true
}

// CurrentSeq returns the most recently assigned durable seq.
func (s *Session) CurrentSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}
