package bridge

import (
	"sync"
	"time"

	"github.com/kmauser/partysync/internal/transport"
	"github.com/kmauser/partysync/internal/wire"
)

// inboxItem is the sealed set of things a transport's pump can receive
// from the relay.
type inboxItem interface{ isInboxItem() }

type frameItem struct{ data []byte }
type joinItem struct{ playerID string }
type leaveItem struct {
	playerID string
	wasHost  bool
}
type hostItem struct{ newHostID string }

func (frameItem) isInboxItem() {}
func (joinItem) isInboxItem()  {}
func (leaveItem) isInboxItem() {}
func (hostItem) isInboxItem()  {}

// Context stands in for one isolated execution context. At most one live
// transport may exist per Context; constructing a second before
// Disconnect is a programmer error and panics.
type Context struct {
	mu   sync.Mutex
	live *Transport
}

func NewContext() *Context { return &Context{} }

func (c *Context) acquire(t *Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live != nil {
		panic("bridge: context already has a live transport; Disconnect it first")
	}
	c.live = t
}

func (c *Context) release(t *Transport) {
	c.mu.Lock()
	if c.live == t {
		c.live = nil
	}
	c.mu.Unlock()
}

// Transport is one peer's membership in a relay room. Peer and host state
// are tracked from relay-pushed notifications, never guessed locally.
type Transport struct {
	relay  *Relay
	cctx   *Context
	roomID string
	id     string

	mu     sync.Mutex
	peers  []string
	hostID string
	paused bool
	closed bool

	msgHandlers   transport.Handlers[transport.MessageHandler]
	joinHandlers  transport.Handlers[transport.PeerHandler]
	leaveHandlers transport.Handlers[transport.LeaveHandler]
	hostHandlers  transport.Handlers[transport.HostHandler]

	inbox chan inboxItem
	ready chan struct{}
	done  chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Join registers a peer with the relay and claims its execution context.
// The first peer in a room becomes host.
func Join(relay *Relay, cctx *Context, roomID, playerID string) (*Transport, error) {
	t := &Transport{
		relay:  relay,
		cctx:   cctx,
		roomID: roomID,
		id:     playerID,
		inbox:  make(chan inboxItem, inboxSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	cctx.acquire(t)

	peers, hostID, err := relay.register(t)
	if err != nil {
		cctx.release(t)
		return nil, err
	}
	t.mu.Lock()
	t.peers = peers
	t.hostID = hostID
	t.mu.Unlock()

	go t.pump()
	go t.heartbeatLoop()
	close(t.ready)
	return t, nil
}

func (t *Transport) pump() {
	for {
		select {
		case <-t.done:
			return
		case item := <-t.inbox:
			t.handle(item)
		}
	}
}

func (t *Transport) handle(item inboxItem) {
	switch it := item.(type) {
	case frameItem:
		msg, err := wire.Decode(it.data)
		if err != nil {
			return
		}
		t.msgHandlers.Each(func(h transport.MessageHandler) { h(msg) })
	case joinItem:
		t.mu.Lock()
		t.peers = append(t.peers, it.playerID)
		t.mu.Unlock()
		t.joinHandlers.Each(func(h transport.PeerHandler) { h(it.playerID) })
	case leaveItem:
		t.mu.Lock()
		kept := t.peers[:0]
		for _, id := range t.peers {
			if id != it.playerID {
				kept = append(kept, id)
			}
		}
		t.peers = kept
		if it.wasHost {
			t.hostID = ""
		}
		t.mu.Unlock()
		t.leaveHandlers.Each(func(h transport.LeaveHandler) { h(it.playerID, it.wasHost) })
	case hostItem:
		t.mu.Lock()
		t.hostID = it.newHostID
		t.mu.Unlock()
		t.hostHandlers.Each(func(h transport.HostHandler) { h(it.newHostID) })
	}
}

func (t *Transport) heartbeatLoop() {
	ticker := time.NewTicker(t.relay.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			paused := t.paused
			t.mu.Unlock()
			if paused {
				continue
			}
			if err := t.relay.heartbeat(t.roomID, t.id); err == ErrUnknownSender {
				t.reregister()
			}
		}
	}
}

// reregister re-announces this transport to the relay after it was
// forgotten (stale eviction, wedged-consumer drop) and adopts the room
// snapshot it hands back.
func (t *Transport) reregister() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	peers, hostID, err := t.relay.register(t)
	if err != nil {
		return
	}
	t.mu.Lock()
	t.peers = peers
	t.hostID = hostID
	t.mu.Unlock()
	t.relay.heartbeat(t.roomID, t.id)
}

// Suspend stops emitting heartbeats, as when the owning context loses
// focus. The relay will eventually forget a suspended peer.
func (t *Transport) Suspend() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume re-registers with the relay and beats immediately, then resumes
// the regular heartbeat cadence.
func (t *Transport) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.reregister()
}

func (t *Transport) PlayerID() string { return t.id }

func (t *Transport) Ready() <-chan struct{} { return t.ready }

func (t *Transport) PeerIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.peers...)
}

func (t *Transport) IsHost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.hostID == t.id
}

func (t *Transport) HostID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hostID
}

// Send serializes the message through the relay. If the relay no longer
// recognizes this sender it re-registers and retries once.
func (t *Transport) Send(msg wire.Message, targetID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrDisconnected
	}
	t.mu.Unlock()

	msg.SenderID = t.id
	if msg.TargetID == "" {
		msg.TargetID = targetID
	}
	err := t.relay.send(t, msg, targetID)
	if err == ErrUnknownSender {
		t.reregister()
		err = t.relay.send(t, msg, targetID)
	}
	return err
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

// Disconnect releases the execution context, removes the peer from the
// relay (promoting a survivor if it was host) and stops the pump and
// heartbeat goroutines. Idempotent.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cctx.release(t)
	t.relay.forget(t)
	close(t.done)

	t.msgHandlers.Clear()
	t.joinHandlers.Clear()
	t.leaveHandlers.Clear()
	t.hostHandlers.Clear()
	return nil
}
