// internal/handlers/stats.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jason-s-yu/hostrelay/internal/room"
	"github.com/sirupsen/logrus"
)

// StatsSource reports registry occupancy. *room.Registry satisfies it.
type StatsSource interface {
	Stats() room.Stats
}

type roomStatsResponse struct {
	room.Stats
	Connections int `json:"connections"`
}

// RoomStatsHandler serves GET /rooms/stats.
func RoomStatsHandler(logger logrus.FieldLogger, rooms StatsSource, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := roomStatsResponse{
			Stats:       rooms.Stats(),
			Connections: hub.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warnf("failed to write room stats: %v", err)
		}
	}
}
