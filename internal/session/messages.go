// internal/session/messages.go
package session

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Request types accepted from clients.
const (
	TypeCreateRoom  = "create-room"
	TypeJoinRoom    = "join-room"
	TypeGameState   = "game-state"
	TypePlayerInput = "player-input"
	TypeKickPlayer  = "kick-player"
	TypeLeaveRoom   = "leave-room"
)

// Event types pushed to clients.
const (
	EventAck            = "ack"
	EventConnected      = "connected"
	EventPlayerJoined   = "player-joined"
	EventPlayerLeft     = "player-left"
	EventGameState      = "game-state"
	EventPlayerInput    = "player-input"
	EventKicked         = "kicked"
	EventGameEnded      = "game-ended"
	EventServerShutdown = "server-shutdown"
)

// Request is an inbound client frame. ID is echoed back on the ack.
type Request struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outbound frame: an ack to a request or a pushed event.
type Message struct {
	Type    string `json:"type"`
	ID      int64  `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ReplyFunc delivers the reply payload for a single request.
type ReplyFunc func(payload any)

type CreateRoomReply struct {
	Code string `json:"code"`
}

type JoinRoomRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type JoinRoomReply struct {
	PlayerID    uuid.UUID `json:"playerId"`
	PlayerCount int       `json:"playerCount"`
}

type PushStateRequest struct {
	Code  string          `json:"code"`
	State json.RawMessage `json:"state"`
}

type SendInputRequest struct {
	Code  string          `json:"code"`
	Input json.RawMessage `json:"input"`
}

// KickPlayerRequest keeps PlayerID as a string so a malformed id is reported
// as an unknown player rather than a bad payload.
type KickPlayerRequest struct {
	Code     string `json:"code"`
	PlayerID string `json:"playerId"`
}

type SuccessReply struct {
	Success bool `json:"success"`
}

type ErrorReply struct {
	Error string `json:"error"`
}

// PlayerNotice is sent to a host when a joiner arrives or departs.
type PlayerNotice struct {
	PlayerID uuid.UUID `json:"playerId"`
	Name     string    `json:"name"`
}

type InputEvent struct {
	PlayerID uuid.UUID       `json:"playerId"`
	Input    json.RawMessage `json:"input"`
}

type ConnectedEvent struct {
	PlayerID uuid.UUID `json:"playerId"`
}

type KickedEvent struct {
	Code string `json:"code"`
}

type GameEndedEvent struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type ShutdownEvent struct {
	Reason string `json:"reason"`
}
