// internal/models/room_event.go
package models

import "github.com/google/uuid"

// Room event kinds published to the history queue.
const (
	EventRoomCreated  = "room_created"
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventPlayerKicked = "player_kicked"
	EventRoomClosed   = "room_closed"
)

// RoomEvent is a single room lifecycle transition, as queued for the historian.
type RoomEvent struct {
	Kind        string    `json:"kind"`
	RoomCode    string    `json:"room_code"`
	HostID      uuid.UUID `json:"host_id"`
	PlayerID    uuid.UUID `json:"player_id"`
	PlayerName  string    `json:"player_name,omitempty"`
	PlayerCount int       `json:"player_count"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   int64     `json:"timestamp"` // epoch millis
}
