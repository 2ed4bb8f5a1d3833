package room

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kmauser/partysync/internal/wire"
)

const recvWithin = 2 * time.Second

// recvEvent reads until the wanted event arrives, failing on close or
// timeout. Interleaved pushes (peers_list and friends) are skipped.
func recvEvent(t *testing.T, c *Client, want string) wire.ServerEvent {
	t.Helper()
	deadline := time.After(recvWithin)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", want)
			}
			if ev.Event == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

// recvWire scans a client's relay pushes until one decodes to the wanted
// wire message type, skipping server-synthesized traffic in between.
func recvWire(t *testing.T, c *Client, want wire.MessageType) wire.Message {
	t.Helper()
	for {
		ev := recvEvent(t, c, wire.EventRelayMessage)
		msg, err := wire.Decode(ev.Payload)
		require.NoError(t, err)
		if msg.Type == want {
			return msg
		}
	}
}

// recvNoWarning drains events for a window and fails if any is a
// capacity warning.
func recvNoWarning(t *testing.T, c *Client, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-c.Events():
			if ok && ev.Event == wire.EventWarning {
				t.Fatalf("unexpected warning: %+v", ev)
			}
			if !ok {
				return
			}
		case <-deadline:
			return
		}
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func attach(t *testing.T, m *Manager, id string) *Client {
	t.Helper()
	c, err := m.Attach(id)
	require.NoError(t, err)
	return c
}

// createRoom drives the full create handshake and drains room-created.
func createRoom(t *testing.T, m *Manager, host *Client, code string) {
	t.Helper()
	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventCreateRoom, ShareCode: code})
	ev := recvEvent(t, host, wire.EventRoomCreated)
	require.Equal(t, code, ev.ShareCode)
	require.Equal(t, host.ID(), ev.HostID)
}

// admit walks a client through join-pending and host approval.
func admit(t *testing.T, m *Manager, host, joiner *Client, code string) {
	t.Helper()
	m.HandleEvent(joiner, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: code})
	recvEvent(t, joiner, wire.EventJoinPending)
	req := recvEvent(t, host, wire.EventJoinRequest)
	require.Equal(t, joiner.ID(), req.PlayerID)
	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventApproveClient, ShareCode: code, TargetID: joiner.ID()})
	recvEvent(t, joiner, wire.EventRoomJoined)
}

func TestCreateJoinApproveFlow(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "client1")

	createRoom(t, m, host, "ABC123")

	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "ABC123"})
	recvEvent(t, c1, wire.EventJoinPending)

	req := recvEvent(t, host, wire.EventJoinRequest)
	require.Equal(t, "client1", req.PlayerID)

	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventApproveClient, ShareCode: "ABC123", TargetID: "client1"})

	joined := recvEvent(t, c1, wire.EventRoomJoined)
	require.Equal(t, 2, joined.PlayerCount)
	require.Equal(t, "host", joined.HostID)

	cj := recvEvent(t, host, wire.EventClientJoined)
	require.Equal(t, "client1", cj.PlayerID)
	require.Equal(t, 2, cj.PlayerCount)
}

func TestCreateRoomValidation(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")

	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventCreateRoom, ShareCode: "abc123"})
	ev := recvEvent(t, host, wire.EventError)
	require.Equal(t, wire.CodeInvalidCode, ev.Code)

	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventCreateRoom, ShareCode: "TOOLONG1"})
	ev = recvEvent(t, host, wire.EventError)
	require.Equal(t, wire.CodeInvalidCode, ev.Code)

	createRoom(t, m, host, "ABC123")

	other := attach(t, m, "other")
	m.HandleEvent(other, wire.ClientEvent{Event: wire.EventCreateRoom, ShareCode: "ABC123"})
	ev = recvEvent(t, other, wire.EventError)
	require.Equal(t, wire.CodeRoomExists, ev.Code)
}

func TestJoinMissingRoom(t *testing.T) {
	m := newTestManager(t, Config{})
	c := attach(t, m, "c1")
	m.HandleEvent(c, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "NOPE42"})
	ev := recvEvent(t, c, wire.EventError)
	require.Equal(t, wire.CodeRoomNotFound, ev.Code)
}

func TestJoinExpiredRoomNotifiesHostToo(t *testing.T) {
	m := newTestManager(t, Config{JoinTTL: 10 * time.Millisecond, SweepInterval: time.Hour})
	host := attach(t, m, "host")
	createRoom(t, m, host, "ABC123")

	time.Sleep(30 * time.Millisecond)

	late := attach(t, m, "late")
	m.HandleEvent(late, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "ABC123"})
	ev := recvEvent(t, late, wire.EventError)
	require.Equal(t, wire.CodeRoomExpired, ev.Code)
	recvEvent(t, host, wire.EventRoomExpired)
}

func TestDenyClient(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	createRoom(t, m, host, "ABC123")

	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "ABC123"})
	recvEvent(t, host, wire.EventJoinRequest)

	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventDenyClient, ShareCode: "ABC123", TargetID: "c1"})
	recvEvent(t, c1, wire.EventJoinDenied)

	// Denied id is no longer pending; a second deny is a lifecycle error.
	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventDenyClient, ShareCode: "ABC123", TargetID: "c1"})
	ev := recvEvent(t, host, wire.EventError)
	require.Equal(t, wire.CodeClientNotPending, ev.Code)
}

func TestApproveRequiresHost(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	c2 := attach(t, m, "c2")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")

	m.HandleEvent(c2, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "ABC123"})
	recvEvent(t, host, wire.EventJoinRequest)

	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventApproveClient, ShareCode: "ABC123", TargetID: "c2"})
	ev := recvEvent(t, c1, wire.EventError)
	require.Equal(t, wire.CodeNotHost, ev.Code)
}

func TestCapacityWarningOnAdmission(t *testing.T) {
	m := newTestManager(t, Config{CapacityWarnAt: 3})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	c2 := attach(t, m, "c2")
	createRoom(t, m, host, "ABC123")

	admit(t, m, host, c1, "ABC123")
	recvNoWarning(t, c1, 50*time.Millisecond) // second player, below threshold

	admit(t, m, host, c2, "ABC123")
	warn := recvEvent(t, c2, wire.EventWarning)
	require.Equal(t, wire.CodeRoomCapacity, warn.Code)
}

func TestSignalRelayIsOpaque(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	c2 := attach(t, m, "c2")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")
	admit(t, m, host, c2, "ABC123")

	blob := json.RawMessage(`{"sdp":"v=0 whatever","candidates":[1,2]}`)
	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventSignal, ShareCode: "ABC123", TargetID: "host", Payload: blob})

	got := recvEvent(t, host, wire.EventSignalFromPeer)
	require.Equal(t, "c1", got.PlayerID)
	require.JSONEq(t, string(blob), string(got.Payload))

	// Broadcast signal reaches everyone but the sender.
	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventSignal, ShareCode: "ABC123", Payload: blob})
	recvEvent(t, c1, wire.EventSignalFromPeer)
	recvEvent(t, c2, wire.EventSignalFromPeer)
}

func TestHostDisconnectMigratesToEarliestSurvivor(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	c2 := attach(t, m, "c2")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")
	admit(t, m, host, c2, "ABC123")

	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventDisconnect})

	hd := recvEvent(t, c1, wire.EventHostDisconnected)
	require.Equal(t, "host", hd.PlayerID)
	require.Equal(t, "c1", hd.HostID, "earliest-joined survivor becomes host")
	recvEvent(t, c2, wire.EventHostDisconnected)

	// Survivors also get the wire-level announce for their transports.
	msg := recvWire(t, c2, wire.TypeHostAnnounce)
	require.Equal(t, wire.HostAnnouncePayload{HostID: "c1"}, msg.Payload)
}

func TestHostDisconnectWithPendingHandsLobbyToNewHost(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	p1 := attach(t, m, "p1")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")

	m.HandleEvent(p1, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "ABC123"})
	recvEvent(t, host, wire.EventJoinRequest)

	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventDisconnect})

	recvEvent(t, c1, wire.EventHostDisconnected)
	req := recvEvent(t, c1, wire.EventJoinRequest)
	require.Equal(t, "p1", req.PlayerID, "pending join request re-delivered to the new host")
}

func TestLastMemberLeavingClosesRoom(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	p1 := attach(t, m, "p1")
	createRoom(t, m, host, "ABC123")

	m.HandleEvent(p1, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "ABC123"})
	recvEvent(t, p1, wire.EventJoinPending)

	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventDisconnect})
	recvEvent(t, p1, wire.EventHostDisconnected)

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.TotalRooms)
}

func TestClientLeaveNotifiesHostWithReducedCount(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")
	recvEvent(t, host, wire.EventClientJoined)

	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventDisconnect})

	left := recvEvent(t, host, wire.EventClientLeft)
	require.Equal(t, "c1", left.PlayerID)
	require.Equal(t, 1, left.PlayerCount)

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRooms, "room persists after a client leaves")
}

func TestRelayBroadcastSkipsSenderAndAnswersHostQuery(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")

	raw, err := wire.Encode(wire.NewMessage(wire.TypeEvent, wire.EventPayload{Name: "ping"}, "c1"))
	require.NoError(t, err)
	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventRelay, ShareCode: "ABC123", Payload: raw})

	// The admit itself pushes a player_join relay first; scan past it.
	msg := recvWire(t, host, wire.TypeEvent)
	require.Equal(t, wire.EventPayload{Name: "ping"}, msg.Payload)

	// host_query is answered by the server, not forwarded.
	q, err := wire.Encode(wire.NewMessage(wire.TypeHostQuery, nil, "c1"))
	require.NoError(t, err)
	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventRelay, ShareCode: "ABC123", Payload: q})

	ans := recvWire(t, c1, wire.TypeHostAnnounce)
	require.Equal(t, wire.HostAnnouncePayload{HostID: "host"}, ans.Payload)
}

func TestRelayFromOutsiderIsANotInRoomError(t *testing.T) {
	m := newTestManager(t, Config{})
	outsider := attach(t, m, "ghost")
	raw, err := wire.Encode(wire.NewMessage(wire.TypeEvent, wire.EventPayload{Name: "x"}, "ghost"))
	require.NoError(t, err)
	m.HandleEvent(outsider, wire.ClientEvent{Event: wire.EventRelay, Payload: raw})
	ev := recvEvent(t, outsider, wire.EventError)
	require.Equal(t, wire.CodeNotInRoom, ev.Code)
}

func TestDetachGracePreservesHostAcrossReconnect(t *testing.T) {
	m := newTestManager(t, Config{ReconnectGrace: 200 * time.Millisecond})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")

	// Connection drops without a disconnect event.
	m.Detach(host)

	// Reattach within the grace: same identity, still the host.
	host2 := attach(t, m, "host")
	pl := recvEvent(t, host2, wire.EventPeersList)
	require.Equal(t, "host", pl.HostID)

	// No migration should ever fire on c1.
	m.HandleEvent(c1, wire.ClientEvent{Event: wire.EventSignal, ShareCode: "ABC123", TargetID: "host"})
	recvEvent(t, host2, wire.EventSignalFromPeer)
}

func TestDetachReapDepartsAfterGrace(t *testing.T) {
	m := newTestManager(t, Config{ReconnectGrace: 20 * time.Millisecond})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")

	m.Detach(host)

	hd := recvEvent(t, c1, wire.EventHostDisconnected)
	require.Equal(t, "c1", hd.HostID)
}

func TestSweepForceClosesOldRooms(t *testing.T) {
	m := newTestManager(t, Config{
		MaxAge:        30 * time.Millisecond,
		SweepInterval: time.Hour,
		JoinTTL:       time.Hour,
	})
	host := attach(t, m, "host")
	createRoom(t, m, host, "ABC123")

	time.Sleep(40 * time.Millisecond)
	m.Sweep()
	recvEvent(t, host, wire.EventRoomExpired)

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.TotalRooms, "room past max age must be swept")

	raw, err := wire.Encode(wire.NewMessage(wire.TypeEvent, wire.EventPayload{Name: "x"}, "host"))
	require.NoError(t, err)
	m.HandleEvent(host, wire.ClientEvent{Event: wire.EventRelay, Payload: raw})
	ev := recvEvent(t, host, wire.EventError)
	require.Equal(t, wire.CodeNotInRoom, ev.Code, "swept room must drop membership entirely")
}

func TestStatsShape(t *testing.T) {
	m := newTestManager(t, Config{})
	host := attach(t, m, "host")
	c1 := attach(t, m, "c1")
	p1 := attach(t, m, "p1")
	createRoom(t, m, host, "ABC123")
	admit(t, m, host, c1, "ABC123")
	m.HandleEvent(p1, wire.ClientEvent{Event: wire.EventJoinRoom, ShareCode: "ABC123"})
	recvEvent(t, p1, wire.EventJoinPending)

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRooms)
	require.Len(t, stats.Rooms, 1)
	rs := stats.Rooms[0]
	require.Equal(t, "ABC123", rs.ShareCode)
	require.Equal(t, 2, rs.ActiveClients)
	require.Equal(t, 1, rs.PendingClients)
	require.Equal(t, 3, rs.TotalPlayers)
	require.False(t, rs.Expired)
}

func TestShareCodeHelpers(t *testing.T) {
	require.True(t, ValidShareCode("ABC123"))
	require.True(t, ValidShareCode("ZZZZZZ"))
	require.False(t, ValidShareCode("abc123"))
	require.False(t, ValidShareCode("ABC12"))
	require.False(t, ValidShareCode("ABC12!"))

	code, err := GenerateShareCode()
	require.NoError(t, err)
	require.True(t, ValidShareCode(code), "generated code %q must validate", code)
}
