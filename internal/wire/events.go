package wire

import "encoding/json"

// Client-to-server events on the room server socket.
const (
	EventHello         = "hello"
	EventCreateRoom    = "create-room"
	EventJoinRoom      = "join-room"
	EventApproveClient = "approve-client"
	EventDenyClient    = "deny-client"
	EventSignal        = "signal"
	EventRelay         = "relay"
	EventDisconnect    = "disconnect"
)

// Server-to-client events.
const (
	EventRoomCreated      = "room-created"
	EventJoinRequest      = "join-request"
	EventJoinPending      = "join-pending"
	EventJoinDenied       = "join-denied"
	EventRoomJoined       = "room-joined"
	EventRoomExpired      = "room-expired"
	EventClientJoined     = "client-joined"
	EventClientLeft       = "client-left"
	EventHostDisconnected = "host-disconnected"
	EventSignalFromPeer   = "signal-from-peer"
	EventError            = "error"
	EventWarning          = "warning"
	// Control pushes consumed by socket transports.
	EventPeersList    = "peers_list"
	EventRelayMessage = "message"
)

type ErrorCode string

const (
	CodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomExpired      ErrorCode = "ROOM_EXPIRED"
	CodeRoomExists       ErrorCode = "ROOM_EXISTS"
	CodeInvalidCode      ErrorCode = "INVALID_CODE"
	CodeNotHost          ErrorCode = "NOT_HOST"
	CodeClientNotPending ErrorCode = "CLIENT_NOT_PENDING"
	CodeNotInRoom        ErrorCode = "NOT_IN_ROOM"
	CodeStaleSender      ErrorCode = "STALE_SENDER"
	CodeRoomCapacity     ErrorCode = "ROOM_CAPACITY"
)

// ClientEvent is the envelope a room server client sends. Payload carries
// either an opaque signaling blob or an encoded Message, depending on the
// event; the server never looks inside signal payloads.
type ClientEvent struct {
	Event     string          `json:"event"`
	ShareCode string          `json:"shareCode,omitempty"`
	PlayerID  string          `json:"playerId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is the envelope the room server pushes.
type ServerEvent struct {
	Event       string          `json:"event"`
	ShareCode   string          `json:"shareCode,omitempty"`
	PlayerID    string          `json:"playerId,omitempty"`
	HostID      string          `json:"hostId,omitempty"`
	Peers       []string        `json:"peers,omitempty"`
	PlayerCount int             `json:"playerCount,omitempty"`
	Code        ErrorCode       `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}
