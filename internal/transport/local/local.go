// Package local is the in-process transport: peers in the same process
// share an explicit Registry and messages are handed over directly, with
// no serialization. The registry is also the arbiter for host election.
package local

import (
	"errors"
	"sync"

	"github.com/kmauser/partysync/internal/transport"
	"github.com/kmauser/partysync/internal/wire"
)

var (
	ErrRoomLocked   = errors.New("local: room is locked")
	ErrDisconnected = errors.New("local: transport is disconnected")
	ErrNotHost      = errors.New("local: only the host may lock the room")
)

// Registry maps room ids to their live transports. Construct one per
// process (or per test) and pass it to Join; there is no package-level
// instance.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// room.order is join order; order[0] is always the current host.
type room struct {
	order  []*Transport
	locked bool
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Transport is one peer's membership in a registry room.
type Transport struct {
	reg    *Registry
	roomID string
	id     string

	closed bool // guarded by reg.mu

	msgHandlers   transport.Handlers[transport.MessageHandler]
	joinHandlers  transport.Handlers[transport.PeerHandler]
	leaveHandlers transport.Handlers[transport.LeaveHandler]
	hostHandlers  transport.Handlers[transport.HostHandler]

	ready chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Join registers a peer in a room. The first joiner becomes host. Joining
// a locked room fails with ErrRoomLocked.
func Join(reg *Registry, roomID, playerID string) (*Transport, error) {
	t := &Transport{reg: reg, roomID: roomID, id: playerID, ready: make(chan struct{})}

	reg.mu.Lock()
	rm := reg.rooms[roomID]
	if rm == nil {
		rm = &room{}
		reg.rooms[roomID] = rm
	}
	if rm.locked {
		reg.mu.Unlock()
		return nil, ErrRoomLocked
	}
	peers := append([]*Transport(nil), rm.order...)
	rm.order = append(rm.order, t)
	reg.mu.Unlock()

	close(t.ready)
	for _, p := range peers {
		p.joinHandlers.Each(func(h transport.PeerHandler) { h(playerID) })
	}
	return t, nil
}

func (t *Transport) PlayerID() string { return t.id }

func (t *Transport) Ready() <-chan struct{} { return t.ready }

func (t *Transport) PeerIDs() []string {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	rm := t.reg.rooms[t.roomID]
	if rm == nil {
		return nil
	}
	out := make([]string, 0, len(rm.order))
	for _, p := range rm.order {
		if p != t {
			out = append(out, p.id)
		}
	}
	return out
}

func (t *Transport) IsHost() bool {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	rm := t.reg.rooms[t.roomID]
	return rm != nil && len(rm.order) > 0 && rm.order[0] == t && !t.closed
}

func (t *Transport) HostID() string {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	rm := t.reg.rooms[t.roomID]
	if rm == nil || len(rm.order) == 0 {
		return ""
	}
	return rm.order[0].id
}

// SetLock closes (or reopens) the room to new joins. Host only.
func (t *Transport) SetLock(locked bool) error {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	rm := t.reg.rooms[t.roomID]
	if rm == nil || t.closed {
		return ErrDisconnected
	}
	if len(rm.order) == 0 || rm.order[0] != t {
		return ErrNotHost
	}
	rm.locked = locked
	return nil
}

// Send delivers directly to the target, or to every other peer when
// targetID is empty. A host_query is answered by the registry itself with
// a host_announce back to the asker.
func (t *Transport) Send(msg wire.Message, targetID string) error {
	msg.SenderID = t.id
	if msg.TargetID == "" {
		msg.TargetID = targetID
	}

	t.reg.mu.Lock()
	if t.closed {
		t.reg.mu.Unlock()
		return ErrDisconnected
	}
	rm := t.reg.rooms[t.roomID]
	if rm == nil {
		t.reg.mu.Unlock()
		return ErrDisconnected
	}

	if msg.Type == wire.TypeHostQuery {
		var hostID string
		if len(rm.order) > 0 {
			hostID = rm.order[0].id
		}
		t.reg.mu.Unlock()
		reply := wire.NewMessage(wire.TypeHostAnnounce, wire.HostAnnouncePayload{HostID: hostID}, hostID)
		t.msgHandlers.Each(func(h transport.MessageHandler) { h(reply) })
		return nil
	}

	var targets []*Transport
	for _, p := range rm.order {
		if p == t {
			continue
		}
		if targetID == "" || p.id == targetID {
			targets = append(targets, p)
		}
	}
	t.reg.mu.Unlock()

	for _, p := range targets {
		p.msgHandlers.Each(func(h transport.MessageHandler) { h(msg) })
	}
	return nil
}

func (t *Transport) OnMessage(h transport.MessageHandler) *transport.Subscription {
	return t.msgHandlers.Add(h)
}

func (t *Transport) OnPeerJoin(h transport.PeerHandler) *transport.Subscription {
	return t.joinHandlers.Add(h)
}

func (t *Transport) OnPeerLeave(h transport.LeaveHandler) *transport.Subscription {
	return t.leaveHandlers.Add(h)
}

func (t *Transport) OnHostDisconnect(h transport.HostHandler) *transport.Subscription {
	return t.hostHandlers.Add(h)
}

// Disconnect removes the peer from the registry and notifies survivors.
// If the departing peer was host, the earliest-joined survivor is
// promoted before any handler observes the room. Idempotent.
func (t *Transport) Disconnect() error {
	t.reg.mu.Lock()
	if t.closed {
		t.reg.mu.Unlock()
		return nil
	}
	t.closed = true

	rm := t.reg.rooms[t.roomID]
	var survivors []*Transport
	wasHost := false
	var newHost *Transport
	if rm != nil {
		wasHost = len(rm.order) > 0 && rm.order[0] == t
		kept := rm.order[:0]
		for _, p := range rm.order {
			if p != t {
				kept = append(kept, p)
			}
		}
		rm.order = kept
		if len(rm.order) == 0 {
			delete(t.reg.rooms, t.roomID)
		} else {
			survivors = append([]*Transport(nil), rm.order...)
			if wasHost {
				newHost = rm.order[0]
			}
		}
	}
	t.reg.mu.Unlock()

	for _, p := range survivors {
		p.leaveHandlers.Each(func(h transport.LeaveHandler) { h(t.id, wasHost) })
	}
	if newHost != nil {
		announce := wire.NewMessage(wire.TypeHostAnnounce, wire.HostAnnouncePayload{HostID: newHost.id}, newHost.id)
		for _, p := range survivors {
			p.hostHandlers.Each(func(h transport.HostHandler) { h(newHost.id) })
			if p != newHost {
				p.msgHandlers.Each(func(h transport.MessageHandler) { h(announce) })
			}
		}
	}

	t.msgHandlers.Clear()
	t.joinHandlers.Clear()
	t.leaveHandlers.Clear()
	t.hostHandlers.Clear()
	return nil
}
