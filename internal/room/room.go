// internal/room/room.go
package room

import (
	"time"

	"github.com/google/uuid"
)

// MaxJoiners is the number of non-host seats in a room.
const MaxJoiners = 3

// Close reasons reported when a room is torn down.
const (
	ReasonHostDisconnected = "host disconnected"
	ReasonHostLeft         = "host left"
	ReasonExpired          = "room expired"
	ReasonShutdown         = "server shutting down"
	ReasonAborted          = "internal error"
)

// Player is a joiner seated in a room. The host is never stored as a Player.
type Player struct {
	ID          uuid.UUID `json:"playerId"`
	DisplayName string    `json:"name"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Room is a host plus up to MaxJoiners joiners under a unique code.
type Room struct {
	Code   string
	HostID uuid.UUID

	// Players holds joiners only.
	Players map[uuid.UUID]*Player

	// LatestState is the last opaque blob pushed by the host, nil until the first push.
	LatestState []byte

	CreatedAt      time.Time
	LastActivityAt time.Time
}

func newRoom(code string, hostID uuid.UUID, now time.Time) *Room {
	return &Room{
		Code:           code,
		HostID:         hostID,
		Players:        make(map[uuid.UUID]*Player),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// members returns the host followed by every joiner.
func (r *Room) members() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 1+len(r.Players))
	ids = append(ids, r.HostID)
	for id := range r.Players {
		ids = append(ids, id)
	}
	return ids
}

func (r *Room) snapshot() Snapshot {
	players := make([]Player, 0, len(r.Players))
	for _, p := range r.Players {
		players = append(players, *p)
	}
	return Snapshot{
		Code:           r.Code,
		HostID:         r.HostID,
		Players:        players,
		LatestState:    cloneBytes(r.LatestState),
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}

// Snapshot is a copy of a room's state safe to read outside the registry lock.
type Snapshot struct {
	Code           string
	HostID         uuid.UUID
	Players        []Player
	LatestState    []byte
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// PlayerCount includes the host.
func (s Snapshot) PlayerCount() int {
	return 1 + len(s.Players)
}

// JoinResult describes a successful join.
type JoinResult struct {
	Code        string
	HostID      uuid.UUID
	Player      Player
	PlayerCount int
	LatestState []byte
}

// Departure describes a joiner removed by Leave or Kick.
type Departure struct {
	Code   string
	HostID uuid.UUID
	Player Player
}

// Closure describes a torn-down room and everyone who was in it.
type Closure struct {
	Code    string
	Reason  string
	HostID  uuid.UUID
	Members []uuid.UUID
}

// Membership is a connection's place in the index.
type Membership struct {
	Code   string
	IsHost bool
}

// Stats is a point-in-time count of live rooms and seated connections.
type Stats struct {
	Rooms   int `json:"rooms"`
	Players int `json:"players"`
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
