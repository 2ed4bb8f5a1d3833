package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kmauser/partysync/internal/room"
	"github.com/kmauser/partysync/internal/ws"
)

// SetupRoutes builds the router with the room manager injected.
func SetupRoutes(m *room.Manager, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", Health(m))
	r.Get("/stats", StatsHandler(m))
	r.Get("/ws", ws.Handler(m, logger))
	return r
}
