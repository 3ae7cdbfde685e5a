package session

import (
	"github.com/google/uuid"
	"github.com/jason-s-yu/hostrelay/internal/models"
)

// Transport is everything the coordinator needs from the connection layer.
// Every method is fire-and-forget: none may block on a remote peer.
type Transport interface {
	// Send delivers msg to a single connection.
	Send(connID uuid.UUID, msg Message)
	// Broadcast delivers msg to every subscriber of group except the given connection.
	// Pass uuid.Nil to exclude nobody.
	Broadcast(group string, msg Message, except uuid.UUID)
	Subscribe(connID uuid.UUID, group string)
	Unsubscribe(connID uuid.UUID, group string)
	// Disconnect closes the connection once messages already queued for it are flushed.
	Disconnect(connID uuid.UUID, reason string)
}

// EventPublisher receives room lifecycle events for the history feed.
// Publish must not block.
type EventPublisher interface {
	Publish(ev models.RoomEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.RoomEvent) {}
