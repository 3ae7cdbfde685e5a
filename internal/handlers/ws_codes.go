// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the relay handler.
// These give clients a more specific reason than the standard codes.
const (
	BadSubprotocolError websocket.StatusCode = 3000 // Client did not negotiate the relay subprotocol.
	KickedError         websocket.StatusCode = 3004 // The room host removed this player.
)
