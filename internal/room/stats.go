package room

import "time"

type RoomStats struct {
	ShareCode        string `json:"shareCode"`
	ActiveClients    int    `json:"activeClients"`
	PendingClients   int    `json:"pendingClients"`
	TotalPlayers     int    `json:"totalPlayers"`
	AgeMinutes       int    `json:"ageMinutes"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
	Expired          bool   `json:"expired"`
}

type Stats struct {
	TotalRooms int         `json:"totalRooms"`
	Rooms      []RoomStats `json:"rooms"`
}

func (m *Manager) snapshotStats(now time.Time) Stats {
	s := Stats{TotalRooms: len(m.rooms), Rooms: make([]RoomStats, 0, len(m.rooms))}
	for _, rm := range m.rooms {
		expiresIn := int(rm.ExpiresAt.Sub(now).Minutes())
		if expiresIn < 0 {
			expiresIn = 0
		}
		s.Rooms = append(s.Rooms, RoomStats{
			ShareCode:        rm.ShareCode,
			ActiveClients:    len(rm.Clients),
			PendingClients:   len(rm.Pending),
			TotalPlayers:     len(rm.Clients) + len(rm.Pending),
			AgeMinutes:       int(now.Sub(rm.CreatedAt).Minutes()),
			ExpiresInMinutes: expiresIn,
			Expired:          rm.Expired(now),
		})
	}
	return s
}
