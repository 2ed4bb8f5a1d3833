// Package wire defines the message shapes shared by every transport and
// the room server: the game-level WireMessage union and the session event
// surface spoken over the room server socket.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kmauser/partysync/internal/diffpatch"
)

type MessageType string

// The closed set of game message types. Every transport carries exactly
// these so a runtime can run over any of them interchangeably.
const (
	TypeStateSync     MessageType = "state_sync"
	TypeAction        MessageType = "action"
	TypePlayerJoin    MessageType = "player_join"
	TypePlayerLeave   MessageType = "player_leave"
	TypeEvent         MessageType = "event"
	TypeHeartbeat     MessageType = "heartbeat"
	TypeHostAnnounce  MessageType = "host_announce"
	TypeHostQuery     MessageType = "host_query"
	TypeHostMigration MessageType = "host_migration"
)

// Message is one game-level wire message. Payload holds the typed payload
// struct for the message type (StateSyncPayload for state_sync and so on);
// Decode restores that after JSON transit.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	SenderID  string      `json:"senderId"`
	TargetID  string      `json:"targetId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

type StateSyncPayload struct {
	Patches []diffpatch.Patch `json:"patches"`
}

type ActionPayload struct {
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
	TargetID string         `json:"targetId,omitempty"`
}

type PlayerJoinPayload struct {
	PlayerID string `json:"playerId"`
}

type PlayerLeavePayload struct {
	PlayerID string `json:"playerId"`
	WasHost  bool   `json:"wasHost,omitempty"`
}

type EventPayload struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

type HostAnnouncePayload struct {
	HostID string `json:"hostId"`
}

type HostMigrationPayload struct {
	NewHostID  string `json:"newHostId"`
	PrevHostID string `json:"prevHostId,omitempty"`
}

// NewMessage stamps a message with the sender and current time.
func NewMessage(t MessageType, payload any, senderID string) Message {
	return Message{
		Type:      t,
		Payload:   payload,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode marshals a message for transit.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a message and rehydrates its payload into the typed
// struct for its type. Unknown types are rejected here, at the boundary,
// so downstream switches stay exhaustive.
func Decode(data []byte) (Message, error) {
	var raw struct {
		Type      MessageType     `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		SenderID  string          `json:"senderId"`
		TargetID  string          `json:"targetId"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	m := Message{Type: raw.Type, SenderID: raw.SenderID, TargetID: raw.TargetID, Timestamp: raw.Timestamp}

	var err error
	switch raw.Type {
	case TypeStateSync:
		m.Payload, err = decodePayload[StateSyncPayload](raw.Payload)
	case TypeAction:
		m.Payload, err = decodePayload[ActionPayload](raw.Payload)
	case TypePlayerJoin:
		m.Payload, err = decodePayload[PlayerJoinPayload](raw.Payload)
	case TypePlayerLeave:
		m.Payload, err = decodePayload[PlayerLeavePayload](raw.Payload)
	case TypeEvent:
		m.Payload, err = decodePayload[EventPayload](raw.Payload)
	case TypeHeartbeat:
		m.Payload = nil
	case TypeHostAnnounce:
		m.Payload, err = decodePayload[HostAnnouncePayload](raw.Payload)
	case TypeHostQuery:
		m.Payload = nil
	case TypeHostMigration:
		m.Payload, err = decodePayload[HostMigrationPayload](raw.Payload)
	default:
		return Message{}, fmt.Errorf("decode message: unknown type %q", raw.Type)
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}
	return m, nil
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}
