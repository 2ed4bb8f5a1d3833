package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kmauser/partysync/internal/room"
)

type healthResponse struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime"`
	RoomCount int    `json:"roomCount"`
	Timestamp int64  `json:"timestamp"`
}

func Health(m *room.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := m.Stats()
		if err != nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, healthResponse{
			Status:    "ok",
			Uptime:    int64(m.Uptime().Seconds()),
			RoomCount: stats.TotalRooms,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func StatsHandler(m *room.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := m.Stats()
		if err != nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, stats)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
