// Package transport defines the capability contract a runtime speaks to
// exchange wire messages with room peers, independent of the medium.
package transport

import (
	"sync"

	"github.com/kmauser/partysync/internal/wire"
)

type MessageHandler func(msg wire.Message)

type PeerHandler func(playerID string)

// LeaveHandler receives the departing peer and whether it was the host at
// the moment it left.
type LeaveHandler func(playerID string, wasHost bool)

// HostHandler fires after the arbiter has promoted a replacement host.
// newHostID is empty when the room emptied out instead.
type HostHandler func(newHostID string)

// Transport is the pluggable medium a runtime exchanges messages through.
// Handlers never fire for the instance's own sends. Send with an empty
// targetID broadcasts to all current room peers, fire-and-forget.
type Transport interface {
	Send(msg wire.Message, targetID string) error
	OnMessage(h MessageHandler) *Subscription
	OnPeerJoin(h PeerHandler) *Subscription
	OnPeerLeave(h LeaveHandler) *Subscription
	OnHostDisconnect(h HostHandler) *Subscription

	// PlayerID is stable for the transport's lifetime, including across
	// reconnects where the implementation supports them.
	PlayerID() string
	// PeerIDs snapshots the current room peers, excluding self.
	PeerIDs() []string
	IsHost() bool
	// HostID reports the current authoritative peer, self included.
	HostID() string
	// Ready is closed once the transport is attached to its room.
	Ready() <-chan struct{}
	// Disconnect unregisters from the medium and notifies peers. Idempotent.
	Disconnect() error
}

// Subscription is an explicit listener handle. Cancel is idempotent and
// safe after the transport is gone.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Handlers is a listener registry. Add returns the handle that removes
// the listener; Each visits a snapshot so handlers may cancel themselves
// mid-dispatch.
type Handlers[T any] struct {
	mu   sync.Mutex
	seq  int
	hs   map[int]T
}

func (r *Handlers[T]) Add(h T) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hs == nil {
		r.hs = make(map[int]T)
	}
	id := r.seq
	r.seq++
	r.hs[id] = h
	return NewSubscription(func() {
		r.mu.Lock()
		delete(r.hs, id)
		r.mu.Unlock()
	})
}

func (r *Handlers[T]) Each(fn func(T)) {
	r.mu.Lock()
	snapshot := make([]T, 0, len(r.hs))
	for _, h := range r.hs {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()
	for _, h := range snapshot {
		fn(h)
	}
}

func (r *Handlers[T]) Clear() {
	r.mu.Lock()
	r.hs = nil
	r.mu.Unlock()
}
