// Package bridge is the cross-context transport: peers live in isolated
// execution contexts and can only exchange serialized frames through a
// shared Relay owned by the enclosing context. The relay tracks liveness
// via heartbeats and is the arbiter for host election.
package bridge

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kmauser/partysync/internal/wire"
)

const (
	DefaultHeartbeatInterval = 3 * time.Second
)

var (
	ErrUnknownSender = errors.New("bridge: sender is not registered with the relay")
	ErrRelayClosed   = errors.New("bridge: relay is closed")
	ErrDisconnected  = errors.New("bridge: transport is disconnected")
)

// inboxSize is per peer; a consumer that falls this far behind is treated
// as dead and evicted.
const inboxSize = 64

type RelayConfig struct {
	// HeartbeatInterval is how often each registered transport beats and
	// how often the relay scans for stale peers.
	HeartbeatInterval time.Duration
	// StaleAfter is how long a peer may go without a heartbeat before the
	// relay forgets it. Defaults to three missed beats.
	StaleAfter time.Duration
	Logger     *zap.Logger
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.HeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Relay is the shared arbiter. All frames between bridge transports pass
// through it, and it alone decides membership and host promotion.
type Relay struct {
	cfg RelayConfig

	mu     sync.Mutex
	rooms  map[string]*relayRoom
	closed bool

	done chan struct{}
}

// relayRoom.order is join order; order[0] is always the current host.
type relayRoom struct {
	order []*peerEntry
}

type peerEntry struct {
	id       string
	t        *Transport
	lastBeat time.Time
}

func NewRelay(cfg RelayConfig) *Relay {
	r := &Relay{
		cfg:   cfg.withDefaults(),
		rooms: make(map[string]*relayRoom),
		done:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Relay) sweepLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.evictStale(now)
		}
	}
}

func (r *Relay) evictStale(now time.Time) {
	cutoff := now.Add(-r.cfg.StaleAfter)
	r.mu.Lock()
	var stale []*peerEntry
	for _, rm := range r.rooms {
		for _, p := range rm.order {
			if p.lastBeat.Before(cutoff) {
				stale = append(stale, p)
			}
		}
	}
	r.mu.Unlock()

	for _, p := range stale {
		if r.removePeer(p.t, cutoff) {
			r.cfg.Logger.Warn("evicted stale bridge peer",
				zap.String("playerId", p.id),
				zap.String("roomId", p.t.roomID))
		}
	}
}

// Close stops the sweeper and forgets every registered peer. Transports
// themselves stay alive; their next heartbeat fails with ErrRelayClosed.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*Transport
	for _, rm := range r.rooms {
		for _, p := range rm.order {
			all = append(all, p.t)
		}
	}
	r.rooms = make(map[string]*relayRoom)
	r.mu.Unlock()

	close(r.done)
	for _, t := range all {
		t.Disconnect()
	}
}

// register adds (or refreshes) a peer and returns the room snapshot the
// joining transport should adopt. Existing peers are notified only on a
// fresh registration.
func (r *Relay) register(t *Transport) (peers []string, hostID string, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, "", ErrRelayClosed
	}
	rm := r.rooms[t.roomID]
	if rm == nil {
		rm = &relayRoom{}
		r.rooms[t.roomID] = rm
	}

	now := time.Now()
	fresh := true
	for _, p := range rm.order {
		if p.id == t.id {
			p.t = t
			p.lastBeat = now
			fresh = false
			break
		}
	}
	if fresh {
		rm.order = append(rm.order, &peerEntry{id: t.id, t: t, lastBeat: now})
	}

	hostID = rm.order[0].id
	var notified []*peerEntry
	for _, p := range rm.order {
		if p.id == t.id {
			continue
		}
		peers = append(peers, p.id)
		notified = append(notified, p)
	}
	if fresh {
		for _, p := range notified {
			r.deliver(p, joinItem{playerID: t.id})
		}
	}
	r.mu.Unlock()
	return peers, hostID, nil
}

func (r *Relay) heartbeat(roomID, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	rm := r.rooms[roomID]
	if rm == nil {
		return ErrUnknownSender
	}
	for _, p := range rm.order {
		if p.id == playerID {
			p.lastBeat = time.Now()
			return nil
		}
	}
	return ErrUnknownSender
}

// send serializes once and fans the frame out. A host_query is answered
// by the relay itself with a host_announce back to the asker.
func (r *Relay) send(from *Transport, msg wire.Message, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	rm := r.rooms[from.roomID]
	if rm == nil {
		return ErrUnknownSender
	}
	var sender *peerEntry
	for _, p := range rm.order {
		if p.id == from.id {
			sender = p
			break
		}
	}
	if sender == nil {
		return ErrUnknownSender
	}

	if msg.Type == wire.TypeHostQuery {
		hostID := rm.order[0].id
		reply := wire.NewMessage(wire.TypeHostAnnounce, wire.HostAnnouncePayload{HostID: hostID}, hostID)
		data, err := wire.Encode(reply)
		if err != nil {
			return err
		}
		r.deliver(sender, frameItem{data: data})
		return nil
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	for _, p := range rm.order {
		if p.id == from.id {
			continue
		}
		if targetID == "" || p.id == targetID {
			r.deliver(p, frameItem{data: data})
		}
	}
	return nil
}

// forget removes a peer from the relay's table without touching the
// transport. Used by Disconnect and the wedged-consumer drop.
func (r *Relay) forget(t *Transport) {
	r.removePeer(t, time.Time{})
}

// removePeer drops t from its room and notifies survivors, promoting a
// replacement host when needed. A non-zero staleCutoff aborts the
// removal if the peer has beaten since the sweep snapshotted it.
func (r *Relay) removePeer(t *Transport, staleCutoff time.Time) bool {
	r.mu.Lock()
	rm := r.rooms[t.roomID]
	if rm == nil {
		r.mu.Unlock()
		return false
	}
	idx := -1
	for i, p := range rm.order {
		if p.id == t.id && p.t == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	if !staleCutoff.IsZero() && !rm.order[idx].lastBeat.Before(staleCutoff) {
		r.mu.Unlock()
		return false
	}
	wasHost := idx == 0
	rm.order = append(rm.order[:idx], rm.order[idx+1:]...)

	if len(rm.order) == 0 {
		delete(r.rooms, t.roomID)
		r.mu.Unlock()
		return true
	}

	for _, p := range rm.order {
		r.deliver(p, leaveItem{playerID: t.id, wasHost: wasHost})
	}
	if wasHost {
		newHost := rm.order[0]
		announce := wire.NewMessage(wire.TypeHostAnnounce, wire.HostAnnouncePayload{HostID: newHost.id}, newHost.id)
		data, encErr := wire.Encode(announce)
		for _, p := range rm.order {
			r.deliver(p, hostItem{newHostID: newHost.id})
			if p != newHost && encErr == nil {
				r.deliver(p, frameItem{data: data})
			}
		}
	}
	r.mu.Unlock()
	return true
}

// deliver is non-blocking: a full inbox means the consumer is wedged, and
// the relay drops it the same way it drops a peer that stopped beating.
func (r *Relay) deliver(p *peerEntry, item inboxItem) {
	select {
	case p.t.inbox <- item:
	default:
		r.cfg.Logger.Warn("dropping wedged bridge peer",
			zap.String("playerId", p.id),
			zap.String("roomId", p.t.roomID))
		go r.forget(p.t)
	}
}
