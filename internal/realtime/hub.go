// Package realtime fans note changes out to the streams and editor sessions
// of the note's owner, in-process or across instances through Redis.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/kuitang/catatan/internal/notes"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 64

var (
	// ErrOverflow terminates a subscription whose queue filled up. The
	// consumer has missed changes and must reload before resubscribing.
	ErrOverflow = errors.New("realtime: subscriber fell behind")

	// ErrHubClosed terminates subscriptions when the hub shuts down.
	ErrHubClosed = errors.New("realtime: hub closed")
)

// Hub delivers changes to the subscriptions of the changed note's owner.
// Delivery never blocks the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewHub returns a hub whose subscriptions queue up to buffer changes.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is a scoped handle on one user's change feed. Receive from C
// until it is closed, then consult Err. Close releases the handle and is
// safe to call more than once.
type Subscription struct {
	C <-chan notes.Change

	ch     chan notes.Change
	hub    *Hub
	userID string
	err    error
	done   bool
}

// Subscribe opens a subscription for userID's changes.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan notes.Change, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, userID: userID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.terminateLocked(ErrHubClosed)
		return s
	}
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish hands c to every subscription of the note's owner. A
// subscription that cannot accept it is terminated with ErrOverflow.
func (h *Hub) Publish(_ context.Context, c notes.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[c.Note.UserID] {
		select {
		case s.ch <- c:
		default:
			h.removeLocked(s)
			s.terminateLocked(ErrOverflow)
		}
	}
	return nil
}

// Subscribers returns how many subscriptions userID holds.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

// Close terminates every subscription with ErrHubClosed. Later subscriptions
// are born closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for userID, set := range h.subs {
		for s := range set {
			s.terminateLocked(ErrHubClosed)
		}
		delete(h.subs, userID)
	}
}

func (h *Hub) removeLocked(s *Subscription) {
	set := h.subs[s.userID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.userID)
	}
}

// terminateLocked closes the channel once. Callers hold hub.mu, which also
// serializes every send, so no send can race the close.
func (s *Subscription) terminateLocked(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
}

// Close releases the subscription.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
	s.terminateLocked(nil)
}

// Err reports why C was closed: nil after Close, ErrOverflow or ErrHubClosed otherwise.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// UserID returns the subscribed user.
func (s *Subscription) UserID() string {
	return s.userID
}
