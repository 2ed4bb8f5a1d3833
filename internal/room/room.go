// Package room implements the session server's room table: share-code
// rooms with host-approved admission, signaling relay, and TTL cleanup.
package room

import (
	"crypto/rand"
	"math/big"
	"time"
)

const shareCodeLen = 6

const shareCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ValidShareCode reports whether code is six uppercase alphanumerics.
func ValidShareCode(code string) bool {
	if len(code) != shareCodeLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// GenerateShareCode returns a random six-character share code.
func GenerateShareCode() (string, error) {
	code := make([]byte, shareCodeLen)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(shareCodeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = shareCodeCharset[n.Int64()]
	}
	return string(code), nil
}

// Room is one live session. clients is join order; clients[0] is always
// the current host, so promotion after host departure is a slice shift.
type Room struct {
	ShareCode string
	Clients   []string
	Pending   map[string]bool
	// Detached maps active members whose connection dropped to the time
	// it dropped; they keep their seat until the reconnect grace runs out.
	Detached  map[string]time.Time
	CreatedAt time.Time
	ExpiresAt time.Time
}

func newRoom(shareCode, hostID string, now time.Time, joinTTL time.Duration) *Room {
	return &Room{
		ShareCode: shareCode,
		Clients:   []string{hostID},
		Pending:   make(map[string]bool),
		Detached:  make(map[string]time.Time),
		CreatedAt: now,
		ExpiresAt: now.Add(joinTTL),
	}
}

func (r *Room) HostID() string {
	if len(r.Clients) == 0 {
		return ""
	}
	return r.Clients[0]
}

func (r *Room) IsMember(id string) bool {
	for _, c := range r.Clients {
		if c == id {
			return true
		}
	}
	return false
}

// Expired reports whether the join code has lapsed; the room itself may
// still be live for its existing members.
func (r *Room) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *Room) removeClient(id string) {
	kept := r.Clients[:0]
	for _, c := range r.Clients {
		if c != id {
			kept = append(kept, c)
		}
	}
	r.Clients = kept
	delete(r.Detached, id)
}

// peersExcept lists active members excluding one id.
func (r *Room) peersExcept(id string) []string {
	out := make([]string, 0, len(r.Clients))
	for _, c := range r.Clients {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}
