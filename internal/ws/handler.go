// Package ws exposes the room server's websocket endpoint: one
// connection per player, JSON event envelopes in both directions.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/kmauser/partysync/internal/room"
	"github.com/kmauser/partysync/internal/wire"
)

const writeTimeout = 3 * time.Second

// Handler upgrades the connection, attaches it to the manager under the
// player id from the query string, and pumps events both ways until
// either side lets go.
func Handler(m *room.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID := r.URL.Query().Get("player")
		if playerID == "" {
			http.Error(w, "missing player", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		client, err := m.Attach(playerID)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "server shutting down")
			return
		}
		defer m.Detach(client)

		log := logger.With(zap.String("player", playerID))
		log.Debug("client attached")

		// Writer: drains the manager's outbox. A closed channel means the
		// server dropped us; tear the socket down so the reader exits.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ev := range client.Events() {
				payload, err := json.Marshal(ev)
				if err != nil {
					log.Error("marshaling server event", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
			conn.Close(websocket.StatusGoingAway, "server closed session")
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read ended", zap.Error(err))
				}
				return
			}

			var ev wire.ClientEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				resp, _ := json.Marshal(wire.ServerEvent{Event: wire.EventError, Code: wire.CodeInvalidCode, Message: "bad json"})
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, resp)
				cancel()
				continue
			}

			m.HandleEvent(client, ev)
			if ev.Event == wire.EventDisconnect {
				// Explicit goodbye: the manager already departed us, and
				// the deferred detach sees a superseded handle.
				return
			}
		}
	}
}
