// Package socket is the room server transport: a persistent websocket
// client that joins a room by share code, relays wire messages through
// the server and tracks peer and host state from server pushes. It
// optionally reconnects with a fixed backoff, keeping its player id so
// the seat (and host status) survives transient drops.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmauser/partysync/internal/transport"
	"github.com/kmauser/partysync/internal/wire"
)

const (
	writeTimeout      = 3 * time.Second
	defaultBackoff    = 2 * time.Second
	defaultMaxRetries = 5
)

var (
	ErrDisconnected = errors.New("socket: transport is disconnected")
	ErrJoinDenied   = errors.New("socket: host denied the join request")
	ErrRoomClosed   = errors.New("socket: room was closed by the server")
)

// ServerError is a fatal rejection from the room server before the
// transport was admitted.
type ServerError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("socket: server rejected: %s: %s", e.Code, e.Message)
}

// SignalHandler receives an opaque connection-handshake payload relayed
// from a peer.
type SignalHandler func(fromID string, payload json.RawMessage)

// ApprovalPolicy decides admission of a pending joiner when this
// transport is the room host.
type ApprovalPolicy func(playerID string) bool

type Config struct {
	// URL is the room server websocket endpoint, e.g. ws://host:8080/ws.
	URL       string
	ShareCode string
	// PlayerID defaults to a fresh uuid. Supply one to resume a seat.
	PlayerID string
	// Create makes this transport open the room instead of joining it.
	Create bool

	Reconnect  bool
	MaxRetries int
	Backoff    time.Duration

	// OnJoinRequest is consulted for each pending joiner while this
	// transport is host. Nil approves everyone.
	OnJoinRequest ApprovalPolicy
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.PlayerID == "" {
		c.PlayerID = uuid.NewString()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Transport is one peer's websocket membership in a room-server room.
type Transport struct {
	cfg      Config
	id       string
	endpoint string
	logger   *zap.Logger

	lifeCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	peers   []string
	hostID  string
	closed  bool
	termErr error

	readyOnce sync.Once
	ready     chan struct{}
	doneOnce  sync.Once
	doneCh    chan struct{}

	msgHandlers    transport.Handlers[transport.MessageHandler]
	joinHandlers   transport.Handlers[transport.PeerHandler]
	leaveHandlers  transport.Handlers[transport.LeaveHandler]
	hostHandlers   transport.Handlers[transport.HostHandler]
	signalHandlers transport.Handlers[SignalHandler]
}

var _ transport.Transport = (*Transport)(nil)

// Dial connects to the room server, sends the opening handshake and the
// create-room or join-room request, and returns without waiting for
// admission. Ready is closed once the server confirms membership; Done
// is closed when the transport is finished, with Err carrying any
// terminal failure (a denied join, a closed room, exhausted retries).
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("socket: URL is required")
	}
	if cfg.ShareCode == "" {
		return nil, errors.New("socket: share code is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("socket: parse URL: %w", err)
	}
	q := u.Query()
	q.Set("player", cfg.PlayerID)
	u.RawQuery = q.Encode()

	lifeCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		id:       cfg.PlayerID,
		endpoint: u.String(),
		logger:   cfg.Logger,
		lifeCtx:  lifeCtx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	conn, err := t.connect(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("socket: dial %s: %w", cfg.URL, err)
	}
	open := wire.EventJoinRoom
	if cfg.Create {
		open = wire.EventCreateRoom
	}
	if err := t.handshake(conn, open); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		cancel()
		return nil, err
	}
	t.setConn(conn)

	go t.run(conn)
	return t, nil
}

func (t *Transport) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.endpoint, nil)
	return conn, err
}

func (t *Transport) handshake(conn *websocket.Conn, open string) error {
	if err := t.writeTo(conn, wire.ClientEvent{Event: wire.EventHello, PlayerID: t.id}); err != nil {
		return fmt.Errorf("socket: handshake: %w", err)
	}
	req := wire.ClientEvent{Event: open, ShareCode: t.cfg.ShareCode, PlayerID: t.id}
	if err := t.writeTo(conn, req); err != nil {
		return fmt.Errorf("socket: handshake: %w", err)
	}
	return nil
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// run owns the connection until the transport finishes, redialing after
// read failures when reconnect is on.
func (t *Transport) run(conn *websocket.Conn) {
	for {
		terminal, err := t.readLoop(conn)
		conn.Close(websocket.StatusNormalClosure, "")

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		switch {
		case closed:
			t.finish(nil)
			return
		case terminal:
			t.finish(err)
			return
		case !t.cfg.Reconnect:
			t.finish(err)
			return
		}

		next, rerr := t.redial()
		if rerr != nil {
			t.finish(rerr)
			return
		}
		conn = next
	}
}

// readLoop drains one connection. terminal means the protocol ended the
// session and reconnecting would be wrong.
func (t *Transport) readLoop(conn *websocket.Conn) (terminal bool, err error) {
	for {
		_, data, err := conn.Read(t.lifeCtx)
		if err != nil {
			return false, err
		}
		var ev wire.ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Warn("discarding malformed server event", zap.Error(err))
			continue
		}
		if err := t.handleServerEvent(ev); err != nil {
			return true, err
		}
	}
}

// redial reconnects with a fixed backoff, re-presenting the same player
// id so the server resumes the seat instead of treating this as a new
// joiner.
func (t *Transport) redial() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		select {
		case <-t.lifeCtx.Done():
			return nil, ErrDisconnected
		case <-time.After(t.cfg.Backoff):
		}

		conn, err := t.connect(t.lifeCtx)
		if err != nil {
			lastErr = err
			t.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if err := t.handshake(conn, wire.EventJoinRoom); err != nil {
			conn.Close(websocket.StatusInternalError, "handshake failed")
			lastErr = err
			continue
		}
		t.setConn(conn)
		t.logger.Info("reconnected to room server",
			zap.String("room", t.cfg.ShareCode), zap.Int("attempt", attempt))
		return conn, nil
	}
	return nil, fmt.Errorf("socket: reconnect gave up after %d attempts: %w", t.cfg.MaxRetries, lastErr)
}

func (t *Transport) handleServerEvent(ev wire.ServerEvent) error {
	switch ev.Event {
	case wire.EventRoomCreated:
		t.mu.Lock()
		t.hostID = t.id
		t.peers = nil
		t.mu.Unlock()
		t.closeReady()

	case wire.EventRoomJoined:
		t.mu.Lock()
		t.hostID = ev.HostID
		t.mu.Unlock()
		t.closeReady()

	case wire.EventPeersList:
		t.mu.Lock()
		t.hostID = ev.HostID
		peers := t.peers[:0]
		for _, id := range ev.Peers {
			if id != t.id {
				peers = append(peers, id)
			}
		}
		t.peers = peers
		t.mu.Unlock()

	case wire.EventJoinPending:
		t.logger.Debug("awaiting host approval", zap.String("room", ev.ShareCode))

	case wire.EventJoinRequest:
		t.decideJoin(ev.PlayerID)

	case wire.EventJoinDenied:
		return ErrJoinDenied

	case wire.EventRoomExpired:
		return fmt.Errorf("%w: %s", ErrRoomClosed, ev.Message)

	case wire.EventHostDisconnected:
		// With a successor the wire pushes carry the migration; without
		// one the room is gone.
		if ev.HostID == "" {
			return ErrRoomClosed
		}

	case wire.EventClientJoined, wire.EventClientLeft:
		// A peers_list refresh follows each of these.

	case wire.EventSignalFromPeer:
		t.signalHandlers.Each(func(h SignalHandler) { h(ev.PlayerID, ev.Payload) })

	case wire.EventWarning:
		t.logger.Warn("room server warning",
			zap.String("code", string(ev.Code)), zap.String("message", ev.Message))

	case wire.EventError:
		return t.handleServerError(ev)

	case wire.EventRelayMessage:
		t.handleRelayPush(ev)

	default:
		t.logger.Debug("ignoring server event", zap.String("event", ev.Event))
	}
	return nil
}

// handleServerError is fatal only before admission; once in the room,
// server errors are transient and just logged.
func (t *Transport) handleServerError(ev wire.ServerEvent) error {
	select {
	case <-t.ready:
		t.logger.Warn("room server error",
			zap.String("code", string(ev.Code)), zap.String("message", ev.Message))
		return nil
	default:
	}
	switch ev.Code {
	case wire.CodeRoomNotFound, wire.CodeRoomExpired, wire.CodeRoomExists, wire.CodeInvalidCode:
		return &ServerError{Code: ev.Code, Message: ev.Message}
	default:
		t.logger.Warn("room server error before admission",
			zap.String("code", string(ev.Code)), zap.String("message", ev.Message))
		return nil
	}
}

func (t *Transport) handleRelayPush(ev wire.ServerEvent) {
	msg, err := wire.Decode(ev.Payload)
	if err != nil {
		t.logger.Warn("discarding malformed relay payload", zap.Error(err))
		return
	}
	switch p := msg.Payload.(type) {
	case wire.PlayerJoinPayload:
		t.mu.Lock()
		known := false
		for _, id := range t.peers {
			known = known || id == p.PlayerID
		}
		if !known {
			t.peers = append(t.peers, p.PlayerID)
		}
		t.mu.Unlock()
		t.joinHandlers.Each(func(h transport.PeerHandler) { h(p.PlayerID) })

	case wire.PlayerLeavePayload:
		t.mu.Lock()
		kept := t.peers[:0]
		for _, id := range t.peers {
			if id != p.PlayerID {
				kept = append(kept, id)
			}
		}
		t.peers = kept
		t.mu.Unlock()
		t.leaveHandlers.Each(func(h transport.LeaveHandler) { h(p.PlayerID, p.WasHost) })

	case wire.HostAnnouncePayload:
		t.mu.Lock()
		changed := t.hostID != p.HostID
		t.hostID = p.HostID
		t.mu.Unlock()
		if changed {
			t.hostHandlers.Each(func(h transport.HostHandler) { h(p.HostID) })
		}
		t.msgHandlers.Each(func(h transport.MessageHandler) { h(msg) })

	default:
		t.msgHandlers.Each(func(h transport.MessageHandler) { h(msg) })
	}
}

// decideJoin consults the approval policy and answers the server. The
// policy runs on the read loop, so it must be quick.
func (t *Transport) decideJoin(playerID string) {
	approve := true
	if t.cfg.OnJoinRequest != nil {
		approve = t.cfg.OnJoinRequest(playerID)
	}
	verdict := wire.EventApproveClient
	if !approve {
		verdict = wire.EventDenyClient
	}
	err := t.writeEvent(wire.ClientEvent{
		Event:     verdict,
		ShareCode: t.cfg.ShareCode,
		PlayerID:  t.id,
		TargetID:  playerID,
	})
	if err != nil {
		t.logger.Warn("sending join verdict", zap.Error(err))
	}
}

func (t *Transport) closeReady() {
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *Transport) finish(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		if t.termErr == nil {
			t.termErr = err
		}
		t.closed = true
		t.mu.Unlock()
		close(t.doneCh)

		t.msgHandlers.Clear()
		t.joinHandlers.Clear()
		t.leaveHandlers.Clear()
		t.hostHandlers.Clear()
		t.signalHandlers.Clear()
	})
}

func (t *Transport) writeEvent(ev wire.ClientEvent) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	if conn == nil {
		return ErrDisconnected
	}
	return t.writeTo(conn, ev)
}

func (t *Transport) writeTo(conn *websocket.Conn, ev wire.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.lifeCtx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) PlayerID() string { return t.id }

func (t *Transport) Ready() <-chan struct{} { return t.ready }

// Done is closed once the transport has shut down for good.
func (t *Transport) Done() <-chan struct{} { return t.doneCh }

// Err reports the terminal failure, if any, after Done is closed.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termErr
}

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

// Send relays a wire message through the room server to the target, or
// to the rest of the room when targetID is empty.
func (t *Transport) Send(msg wire.Message, targetID string) error {
	msg.SenderID = t.id
	if msg.TargetID == "" {
		msg.TargetID = targetID
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return t.writeEvent(wire.ClientEvent{
		Event:     wire.EventRelay,
		ShareCode: t.cfg.ShareCode,
		PlayerID:  t.id,
		TargetID:  targetID,
		Payload:   raw,
	})
}

// Signal relays an opaque connection-handshake payload; the server never
// inspects it.
func (t *Transport) Signal(payload json.RawMessage, targetID string) error {
	return t.writeEvent(wire.ClientEvent{
		Event:     wire.EventSignal,
		ShareCode: t.cfg.ShareCode,
		PlayerID:  t.id,
		TargetID:  targetID,
		Payload:   payload,
	})
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

func (t *Transport) OnSignal(h SignalHandler) *transport.Subscription {
	return t.signalHandlers.Add(h)
}

// Disconnect tells the server this peer is leaving, closes the socket
// and stops any reconnect attempts. Idempotent.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		// Best effort; the server also notices the socket closing.
		t.writeTo(conn, wire.ClientEvent{Event: wire.EventDisconnect, PlayerID: t.id})
	}
	t.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}
