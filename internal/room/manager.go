package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kmauser/partysync/internal/wire"
)

const (
	defaultJoinTTL        = 15 * time.Minute
	defaultMaxAge         = time.Hour
	defaultSweepInterval  = 5 * time.Minute
	defaultReconnectGrace = 30 * time.Second
	defaultCapacityWarnAt = 4
	outboxSize            = 32
)

var ErrShutdown = errors.New("room: manager is shut down")

type Config struct {
	// JoinTTL is how long a share code admits new joiners.
	JoinTTL time.Duration
	// MaxAge force-closes a room regardless of activity.
	MaxAge        time.Duration
	SweepInterval time.Duration
	// ReconnectGrace keeps a dropped member's seat for a reattach window
	// so transient socket failures preserve identity and host status.
	ReconnectGrace time.Duration
	// CapacityWarnAt triggers a non-fatal warning to newly admitted
	// clients once the room reaches this many players.
	CapacityWarnAt int
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.JoinTTL <= 0 {
		c.JoinTTL = defaultJoinTTL
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = defaultReconnectGrace
	}
	if c.CapacityWarnAt <= 0 {
		c.CapacityWarnAt = defaultCapacityWarnAt
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Client is one attached connection's receive side. The connection owner
// drains Events until it closes; a closed channel means the server let
// the client go.
type Client struct {
	id  string
	out chan wire.ServerEvent
}

func (c *Client) ID() string { return c.id }

func (c *Client) Events() <-chan wire.ServerEvent { return c.out }

type managerMsg interface{ isManagerMsg() }

type attachMsg struct {
	id    string
	reply chan attachReply
}

type attachReply struct {
	client *Client
	err    error
}

type detachMsg struct{ c *Client }

type clientEventMsg struct {
	c  *Client
	ev wire.ClientEvent
}

type statsMsg struct{ reply chan Stats }

type sweepMsg struct{}

type reapMsg struct {
	shareCode string
	id        string
	droppedAt time.Time
}

type shutdownMsg struct{ reply chan struct{} }

func (attachMsg) isManagerMsg()      {}
func (detachMsg) isManagerMsg()      {}
func (clientEventMsg) isManagerMsg() {}
func (statsMsg) isManagerMsg()       {}
func (sweepMsg) isManagerMsg()       {}
func (reapMsg) isManagerMsg()        {}
func (shutdownMsg) isManagerMsg()    {}

// Manager owns the room table. All mutation happens inside its single
// event loop, so rooms need no locking; scaling beyond one process would
// need an external shared store, which this server does not attempt.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	inbox chan managerMsg
	done  chan struct{}

	// Loop-owned state.
	rooms    map[string]*Room
	clients  map[string]*Client
	memberOf map[string]string // player id -> share code (active or pending)

	started time.Time
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		inbox:    make(chan managerMsg, 64),
		done:     make(chan struct{}),
		rooms:    make(map[string]*Room),
		clients:  make(map[string]*Client),
		memberOf: make(map[string]string),
		started:  time.Now(),
	}
	go m.loop()
	return m
}

func (m *Manager) post(msg managerMsg) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.done:
		return false
	}
}

// Attach registers a connection for a player id and returns its receive
// side. A reattach within the reconnect grace resumes the player's seat;
// attaching over a live connection supersedes it.
func (m *Manager) Attach(playerID string) (*Client, error) {
	reply := make(chan attachReply, 1)
	if !m.post(attachMsg{id: playerID, reply: reply}) {
		return nil, ErrShutdown
	}
	select {
	case r := <-reply:
		return r.client, r.err
	case <-m.done:
		return nil, ErrShutdown
	}
}

// Detach records that a connection dropped without a disconnect event.
// The seat outlives the connection by the reconnect grace. A detach from
// a connection that has already been superseded is ignored.
func (m *Manager) Detach(c *Client) {
	m.post(detachMsg{c: c})
}

// HandleEvent feeds one decoded client event into the loop. Events from
// a superseded connection are dropped.
func (m *Manager) HandleEvent(c *Client, ev wire.ClientEvent) {
	m.post(clientEventMsg{c: c, ev: ev})
}

func (m *Manager) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	if !m.post(statsMsg{reply: reply}) {
		return Stats{}, ErrShutdown
	}
	select {
	case s := <-reply:
		return s, nil
	case <-m.done:
		return Stats{}, ErrShutdown
	}
}

func (m *Manager) Uptime() time.Duration { return time.Since(m.started) }

// Sweep runs an expiry pass now instead of waiting for the next tick.
func (m *Manager) Sweep() {
	m.post(sweepMsg{})
}

// Shutdown closes every room and stops the loop. Idempotent.
func (m *Manager) Shutdown() {
	reply := make(chan struct{})
	if !m.post(shutdownMsg{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.C:
			m.handleSweep(time.Now())

		case msg := <-m.inbox:
			switch msg := msg.(type) {
			case attachMsg:
				msg.reply <- m.handleAttach(msg.id)
			case detachMsg:
				m.handleDetach(msg.c)
			case clientEventMsg:
				m.handleClientEvent(msg.c, msg.ev)
			case statsMsg:
				msg.reply <- m.snapshotStats(time.Now())
			case sweepMsg:
				m.handleSweep(time.Now())
			case reapMsg:
				m.handleReap(msg)
			case shutdownMsg:
				m.handleShutdown()
				close(msg.reply)
				return
			}
		}
	}
}

func (m *Manager) handleAttach(id string) attachReply {
	if old, ok := m.clients[id]; ok {
		// Superseded connection; its reader sees the closed channel.
		close(old.out)
	}
	c := &Client{id: id, out: make(chan wire.ServerEvent, outboxSize)}
	m.clients[id] = c

	// Reattach within grace: resume the seat and resend the room view.
	if code, ok := m.memberOf[id]; ok {
		if rm := m.rooms[code]; rm != nil {
			if _, dropped := rm.Detached[id]; dropped {
				delete(rm.Detached, id)
				m.logger.Info("client reattached", zap.String("player", id), zap.String("room", code))
			}
			if rm.IsMember(id) {
				m.sendPeersList(rm, id)
			}
		}
	}
	return attachReply{client: c}
}

func (m *Manager) handleDetach(c *Client) {
	id := c.id
	cur, ok := m.clients[id]
	if !ok || cur != c {
		return // superseded or already gone
	}
	delete(m.clients, id)
	close(c.out)

	code, ok := m.memberOf[id]
	if !ok {
		return
	}
	rm := m.rooms[code]
	if rm == nil {
		delete(m.memberOf, id)
		return
	}
	if rm.Pending[id] {
		// Pending peers get no grace; they were never admitted.
		delete(rm.Pending, id)
		delete(m.memberOf, id)
		return
	}

	droppedAt := time.Now()
	rm.Detached[id] = droppedAt
	grace := m.cfg.ReconnectGrace
	time.AfterFunc(grace, func() {
		m.post(reapMsg{shareCode: code, id: id, droppedAt: droppedAt})
	})
}

// handleReap fires after the reconnect grace. It is a no-op unless the
// player is still detached from the same drop, so a late timer after a
// reattach (or after teardown) does nothing.
func (m *Manager) handleReap(msg reapMsg) {
	rm := m.rooms[msg.shareCode]
	if rm == nil {
		return
	}
	at, ok := rm.Detached[msg.id]
	if !ok || !at.Equal(msg.droppedAt) {
		return
	}
	m.depart(rm, msg.id)
}

func (m *Manager) handleClientEvent(c *Client, ev wire.ClientEvent) {
	if cur, ok := m.clients[c.id]; !ok || cur != c {
		return
	}
	switch ev.Event {
	case wire.EventHello:
		m.handleHello(c)
	case wire.EventCreateRoom:
		m.handleCreateRoom(c, ev)
	case wire.EventJoinRoom:
		m.handleJoinRoom(c, ev)
	case wire.EventApproveClient:
		m.handleApprove(c, ev)
	case wire.EventDenyClient:
		m.handleDeny(c, ev)
	case wire.EventSignal:
		m.handleSignal(c, ev)
	case wire.EventRelay:
		m.handleRelay(c, ev)
	case wire.EventDisconnect:
		m.handleDisconnect(c)
	default:
		m.sendError(c.id, wire.CodeInvalidCode, fmt.Sprintf("unknown event %q", ev.Event))
	}
}

// handleHello acknowledges a connection's opening handshake. A returning
// member gets its room view back; anyone else gets silence.
func (m *Manager) handleHello(c *Client) {
	code, ok := m.memberOf[c.id]
	if !ok {
		return
	}
	if rm := m.rooms[code]; rm != nil && rm.IsMember(c.id) {
		m.sendPeersList(rm, c.id)
	}
}

func (m *Manager) handleCreateRoom(c *Client, ev wire.ClientEvent) {
	code := ev.ShareCode
	if !ValidShareCode(code) {
		m.sendError(c.id, wire.CodeInvalidCode, "share code must be 6 uppercase alphanumerics")
		return
	}
	if _, exists := m.rooms[code]; exists {
		m.sendError(c.id, wire.CodeRoomExists, "share code already in use")
		return
	}
	if prev, ok := m.memberOf[c.id]; ok {
		if rm := m.rooms[prev]; rm != nil {
			m.depart(rm, c.id)
		}
	}

	now := time.Now()
	rm := newRoom(code, c.id, now, m.cfg.JoinTTL)
	m.rooms[code] = rm
	m.memberOf[c.id] = code

	m.send(c.id, wire.ServerEvent{Event: wire.EventRoomCreated, ShareCode: code, HostID: c.id, PlayerCount: 1})
	m.sendPeersList(rm, c.id)
	m.logger.Info("room created", zap.String("room", code), zap.String("host", c.id))
}

func (m *Manager) handleJoinRoom(c *Client, ev wire.ClientEvent) {
	code := ev.ShareCode
	if !ValidShareCode(code) {
		m.sendError(c.id, wire.CodeInvalidCode, "share code must be 6 uppercase alphanumerics")
		return
	}
	rm := m.rooms[code]
	if rm == nil {
		m.sendError(c.id, wire.CodeRoomNotFound, "no such room")
		return
	}
	if rm.IsMember(c.id) {
		// Returning member (reconnect path); just resend the view.
		m.memberOf[c.id] = code
		delete(rm.Detached, c.id)
		m.send(c.id, wire.ServerEvent{Event: wire.EventRoomJoined, ShareCode: code, HostID: rm.HostID(), PlayerCount: len(rm.Clients)})
		m.sendPeersList(rm, c.id)
		return
	}
	if rm.Expired(time.Now()) {
		m.sendError(c.id, wire.CodeRoomExpired, "join code has expired")
		m.send(rm.HostID(), wire.ServerEvent{Event: wire.EventRoomExpired, ShareCode: code})
		return
	}

	rm.Pending[c.id] = true
	m.memberOf[c.id] = code
	m.send(c.id, wire.ServerEvent{Event: wire.EventJoinPending, ShareCode: code})
	m.send(rm.HostID(), wire.ServerEvent{Event: wire.EventJoinRequest, ShareCode: code, PlayerID: c.id})
}

func (m *Manager) handleApprove(c *Client, ev wire.ClientEvent) {
	rm, ok := m.hostRoom(c)
	if !ok {
		return
	}
	target := ev.TargetID
	if !rm.Pending[target] {
		m.sendError(c.id, wire.CodeClientNotPending, "client is not awaiting approval")
		return
	}
	delete(rm.Pending, target)
	rm.Clients = append(rm.Clients, target)

	total := len(rm.Clients)
	m.send(target, wire.ServerEvent{Event: wire.EventRoomJoined, ShareCode: rm.ShareCode, HostID: rm.HostID(), PlayerCount: total})
	for _, peer := range rm.peersExcept(target) {
		m.send(peer, wire.ServerEvent{Event: wire.EventClientJoined, ShareCode: rm.ShareCode, PlayerID: target, PlayerCount: total})
	}
	m.pushWire(rm, target, wire.NewMessage(wire.TypePlayerJoin, wire.PlayerJoinPayload{PlayerID: target}, ""))
	m.sendPeersListAll(rm)

	if total >= m.cfg.CapacityWarnAt {
		m.send(target, wire.ServerEvent{
			Event:   wire.EventWarning,
			Code:    wire.CodeRoomCapacity,
			Message: fmt.Sprintf("room has %d players; sync traffic grows with each peer", total),
		})
	}
}

func (m *Manager) handleDeny(c *Client, ev wire.ClientEvent) {
	rm, ok := m.hostRoom(c)
	if !ok {
		return
	}
	target := ev.TargetID
	if !rm.Pending[target] {
		m.sendError(c.id, wire.CodeClientNotPending, "client is not awaiting approval")
		return
	}
	delete(rm.Pending, target)
	delete(m.memberOf, target)
	m.send(target, wire.ServerEvent{Event: wire.EventJoinDenied, ShareCode: rm.ShareCode})
}

// handleSignal relays an opaque handshake payload. The payload is never
// parsed here.
func (m *Manager) handleSignal(c *Client, ev wire.ClientEvent) {
	rm := m.memberRoom(c)
	if rm == nil {
		return
	}
	out := wire.ServerEvent{Event: wire.EventSignalFromPeer, ShareCode: rm.ShareCode, PlayerID: c.id, Payload: ev.Payload}
	if ev.TargetID != "" {
		m.send(ev.TargetID, out)
		return
	}
	for _, peer := range rm.peersExcept(c.id) {
		m.send(peer, out)
	}
}

// handleRelay forwards a game wire message to the target or the rest of
// the room. The only message the server answers itself is host_query.
func (m *Manager) handleRelay(c *Client, ev wire.ClientEvent) {
	rm := m.memberRoom(c)
	if rm == nil {
		return
	}
	var head struct {
		Type wire.MessageType `json:"type"`
	}
	if err := json.Unmarshal(ev.Payload, &head); err != nil {
		m.sendError(c.id, wire.CodeInvalidCode, "relay payload is not a wire message")
		return
	}
	if head.Type == wire.TypeHostQuery {
		m.pushWireTo(c.id, wire.NewMessage(wire.TypeHostAnnounce, wire.HostAnnouncePayload{HostID: rm.HostID()}, ""))
		return
	}

	out := wire.ServerEvent{Event: wire.EventRelayMessage, ShareCode: rm.ShareCode, PlayerID: c.id, Payload: ev.Payload}
	if ev.TargetID != "" {
		if rm.IsMember(ev.TargetID) {
			m.send(ev.TargetID, out)
		}
		return
	}
	for _, peer := range rm.peersExcept(c.id) {
		m.send(peer, out)
	}
}

func (m *Manager) handleDisconnect(c *Client) {
	code, ok := m.memberOf[c.id]
	if ok {
		if rm := m.rooms[code]; rm != nil {
			m.depart(rm, c.id)
		} else {
			delete(m.memberOf, c.id)
		}
	}
	if cur, live := m.clients[c.id]; live && cur == c {
		delete(m.clients, c.id)
		close(c.out)
	}
}

// depart removes an active or pending member immediately. A departing
// host hands the room to the earliest-joined survivor, or tears the room
// down when none remain.
func (m *Manager) depart(rm *Room, id string) {
	delete(m.memberOf, id)

	if rm.Pending[id] {
		delete(rm.Pending, id)
		return
	}
	if !rm.IsMember(id) {
		return
	}

	wasHost := rm.HostID() == id
	rm.removeClient(id)

	if len(rm.Clients) == 0 {
		// Nobody left to host; notify pending lobbyists and close.
		for p := range rm.Pending {
			m.send(p, wire.ServerEvent{Event: wire.EventHostDisconnected, ShareCode: rm.ShareCode, PlayerID: id})
			delete(m.memberOf, p)
		}
		delete(m.rooms, rm.ShareCode)
		m.logger.Info("room closed, last member left", zap.String("room", rm.ShareCode))
		return
	}

	if wasHost {
		newHost := rm.HostID()
		for _, peer := range rm.Clients {
			m.send(peer, wire.ServerEvent{Event: wire.EventHostDisconnected, ShareCode: rm.ShareCode, PlayerID: id, HostID: newHost})
		}
		m.pushWire(rm, "", wire.NewMessage(wire.TypePlayerLeave, wire.PlayerLeavePayload{PlayerID: id, WasHost: true}, ""))
		m.pushWire(rm, "", wire.NewMessage(wire.TypeHostAnnounce, wire.HostAnnouncePayload{HostID: newHost}, ""))
		// The new host inherits the waiting lobby.
		for p := range rm.Pending {
			m.send(newHost, wire.ServerEvent{Event: wire.EventJoinRequest, ShareCode: rm.ShareCode, PlayerID: p})
		}
		m.logger.Info("host migrated", zap.String("room", rm.ShareCode), zap.String("from", id), zap.String("to", newHost))
	} else {
		total := len(rm.Clients)
		for _, peer := range rm.Clients {
			m.send(peer, wire.ServerEvent{Event: wire.EventClientLeft, ShareCode: rm.ShareCode, PlayerID: id, PlayerCount: total})
		}
		m.pushWire(rm, "", wire.NewMessage(wire.TypePlayerLeave, wire.PlayerLeavePayload{PlayerID: id}, ""))
	}
	m.sendPeersListAll(rm)
}

func (m *Manager) handleSweep(now time.Time) {
	for code, rm := range m.rooms {
		tooOld := now.Sub(rm.CreatedAt) >= m.cfg.MaxAge
		abandoned := rm.Expired(now) && len(rm.Clients) == 0
		if !tooOld && !abandoned {
			continue
		}
		m.closeRoom(rm, "room expired")
		m.logger.Info("room swept", zap.String("room", code), zap.Bool("maxAge", tooOld))
	}
}

func (m *Manager) closeRoom(rm *Room, reason string) {
	for _, peer := range rm.Clients {
		m.send(peer, wire.ServerEvent{Event: wire.EventRoomExpired, ShareCode: rm.ShareCode, Message: reason})
		delete(m.memberOf, peer)
	}
	for p := range rm.Pending {
		m.send(p, wire.ServerEvent{Event: wire.EventRoomExpired, ShareCode: rm.ShareCode, Message: reason})
		delete(m.memberOf, p)
	}
	delete(m.rooms, rm.ShareCode)
}

func (m *Manager) handleShutdown() {
	for _, rm := range m.rooms {
		m.closeRoom(rm, "server shutting down")
	}
	for id, c := range m.clients {
		close(c.out)
		delete(m.clients, id)
	}
}

// hostRoom resolves the caller's room and enforces host-only access.
func (m *Manager) hostRoom(c *Client) (*Room, bool) {
	rm := m.memberRoom(c)
	if rm == nil {
		return nil, false
	}
	if rm.HostID() != c.id {
		m.sendError(c.id, wire.CodeNotHost, "only the host may do that")
		return nil, false
	}
	return rm, true
}

func (m *Manager) memberRoom(c *Client) *Room {
	code, ok := m.memberOf[c.id]
	if !ok {
		m.sendError(c.id, wire.CodeNotInRoom, "not a member of any room")
		return nil
	}
	rm := m.rooms[code]
	if rm == nil {
		// Membership outlived the room; the sender must rejoin.
		delete(m.memberOf, c.id)
		m.sendError(c.id, wire.CodeStaleSender, "room is gone, rejoin")
		return nil
	}
	return rm
}

// send delivers to one attached player, dropping the connection if its
// outbox is jammed (the slow-client policy; the reader sees the close).
func (m *Manager) send(id string, ev wire.ServerEvent) {
	c, ok := m.clients[id]
	if !ok {
		return
	}
	select {
	case c.out <- ev:
	default:
		m.logger.Warn("dropping slow client", zap.String("player", id))
		delete(m.clients, id)
		close(c.out)
	}
}

func (m *Manager) sendError(id string, code wire.ErrorCode, msg string) {
	m.send(id, wire.ServerEvent{Event: wire.EventError, Code: code, Message: msg})
}

func (m *Manager) sendPeersList(rm *Room, id string) {
	m.send(id, wire.ServerEvent{
		Event:     wire.EventPeersList,
		ShareCode: rm.ShareCode,
		HostID:    rm.HostID(),
		Peers:     append([]string(nil), rm.Clients...),
	})
}

func (m *Manager) sendPeersListAll(rm *Room) {
	for _, peer := range rm.Clients {
		m.sendPeersList(rm, peer)
	}
}

// pushWire relays a server-synthesized wire message to every active
// member except skipID.
func (m *Manager) pushWire(rm *Room, skipID string, msg wire.Message) {
	raw, err := wire.Encode(msg)
	if err != nil {
		m.logger.Error("encoding control message", zap.Error(err))
		return
	}
	for _, peer := range rm.Clients {
		if peer == skipID {
			continue
		}
		m.send(peer, wire.ServerEvent{Event: wire.EventRelayMessage, ShareCode: rm.ShareCode, Payload: raw})
	}
}

func (m *Manager) pushWireTo(id string, msg wire.Message) {
	raw, err := wire.Encode(msg)
	if err != nil {
		m.logger.Error("encoding control message", zap.Error(err))
		return
	}
	m.send(id, wire.ServerEvent{Event: wire.EventRelayMessage, Payload: raw})
}
