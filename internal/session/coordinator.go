// internal/session/coordinator.go
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/hostrelay/internal/metrics"
	"github.com/jason-s-yu/hostrelay/internal/models"
	"github.com/jason-s-yu/hostrelay/internal/room"
	"github.com/sirupsen/logrus"
)

const (
	kickReason      = "kicked by host"
	maxDisplayName  = 32
	internalErrText = "internal error"
)

// Coordinator binds registry operations to connection lifecycle events and
// relays opaque payloads between a room's host and its joiners.
//
// Every event is applied under mu: the registry change, the group subscription
// change and the queued notifications form one step, so two events for the same
// room never interleave. Sends are non-blocking, so holding mu never waits on a peer.
type Coordinator struct {
	mu        sync.Mutex
	registry  *room.Registry
	transport Transport
	events    EventPublisher
	logger    logrus.FieldLogger
	now       func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithEventPublisher feeds room lifecycle events to pub.
func WithEventPublisher(pub EventPublisher) CoordinatorOption {
	return func(c *Coordinator) {
		if pub != nil {
			c.events = pub
		}
	}
}

// WithClock replaces time.Now for the expiry sweep.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator wires a registry to a transport.
func NewCoordinator(registry *room.Registry, transport Transport, logger logrus.FieldLogger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry:  registry,
		transport: transport,
		events:    nopPublisher{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the underlying registry for read-only callers such as stats.
func (c *Coordinator) Registry() *room.Registry {
	return c.registry
}

// HandleRequest applies one client request. Replies go through reply; fire-and-forget
// requests (game-state, player-input) never reply unless the handler faults.
func (c *Coordinator) HandleRequest(connID uuid.UUID, req Request, reply ReplyFunc) {
	start := time.Now()
	label := req.Type

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"conn": connID,
				"type": req.Type,
			}).Errorf("recovered from panic while handling request: %v", r)
			reply(ErrorReply{Error: internalErrText})
		}
		metrics.RequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	switch req.Type {
	case TypeCreateRoom:
		c.createRoomLocked(connID, reply)
	case TypeJoinRoom:
		var p JoinRoomRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			c.rejectPayload(connID, req.Type, err, reply)
			return
		}
		c.joinRoomLocked(connID, p, reply)
	case TypeGameState:
		var p PushStateRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			c.dropPayload(connID, req.Type, err)
			return
		}
		c.pushStateLocked(connID, p)
	case TypePlayerInput:
		var p SendInputRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			c.dropPayload(connID, req.Type, err)
			return
		}
		c.sendInputLocked(connID, p)
	case TypeKickPlayer:
		var p KickPlayerRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			c.rejectPayload(connID, req.Type, err, reply)
			return
		}
		c.kickPlayerLocked(connID, p, reply)
	case TypeLeaveRoom:
		c.leaveRoomLocked(connID, reply)
	default:
		label = "unknown"
		c.logger.WithField("conn", connID).Warnf("unknown request type %q", req.Type)
		reply(ErrorReply{Error: fmt.Sprintf("unknown request type: %s", req.Type)})
	}
}

// HandleDisconnect cleans up after a connection the transport has lost.
// A departing host closes its room; a departing joiner only vacates its seat.
func (c *Coordinator) HandleDisconnect(connID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.registry.Membership(connID)
	if !ok {
		return
	}
	if m.IsHost {
		c.closeRoomLocked(m.Code, room.ReasonHostDisconnected)
		return
	}
	c.removeJoinerLocked(connID)
}

// SweepExpired closes every room whose host has been silent for longer than threshold.
func (c *Coordinator) SweepExpired(now time.Time, threshold time.Duration) []room.Closure {
	c.mu.Lock()
	defer c.mu.Unlock()

	closed := c.registry.SweepExpired(now, threshold)
	for _, cl := range closed {
		c.notifyClosureLocked(cl)
	}
	return closed
}

// Shutdown closes every room and tells each former member the game is over.
func (c *Coordinator) Shutdown() []room.Closure {
	c.mu.Lock()
	defer c.mu.Unlock()

	closed := c.registry.Drain(room.ReasonShutdown)
	for _, cl := range closed {
		c.notifyClosureLocked(cl)
	}
	return closed
}

func (c *Coordinator) createRoomLocked(connID uuid.UUID, reply ReplyFunc) {
	code, err := c.registry.Create(connID)
	if err != nil {
		c.logger.WithField("conn", connID).Warnf("create room failed: %v", err)
		reply(ErrorReply{Error: clientError(err)})
		return
	}
	defer c.undoOnPanic(func() {
		c.registry.Teardown(code, room.ReasonAborted)
		c.updateRoomGauge()
		c.transport.Unsubscribe(connID, code)
	})
	c.transport.Subscribe(connID, code)

	metrics.RoomsCreated.Inc()
	c.updateRoomGauge()
	c.publish(models.RoomEvent{
		Kind:        models.EventRoomCreated,
		RoomCode:    code,
		HostID:      connID,
		PlayerCount: 1,
	})

	reply(CreateRoomReply{Code: code})
}

func (c *Coordinator) joinRoomLocked(connID uuid.UUID, p JoinRoomRequest, reply ReplyFunc) {
	res, err := c.registry.Join(p.Code, connID, cleanName(p.Name))
	if err != nil {
		metrics.JoinAttempts.WithLabelValues(joinResultLabel(err)).Inc()
		c.logger.WithFields(logrus.Fields{"conn": connID, "code": p.Code}).Infof("join rejected: %v", err)
		reply(ErrorReply{Error: clientError(err)})
		return
	}
	metrics.JoinAttempts.WithLabelValues("ok").Inc()

	replied := false
	defer c.undoOnPanic(func() {
		// once the client has its seat the join stands
		if replied {
			return
		}
		c.registry.Leave(connID)
		c.transport.Unsubscribe(connID, res.Code)
	})
	c.transport.Subscribe(connID, res.Code)
	c.transport.Send(res.HostID, Message{
		Type:    EventPlayerJoined,
		Payload: PlayerNotice{PlayerID: connID, Name: res.Player.DisplayName},
	})
	c.publish(models.RoomEvent{
		Kind:        models.EventPlayerJoined,
		RoomCode:    res.Code,
		HostID:      res.HostID,
		PlayerID:    connID,
		PlayerName:  res.Player.DisplayName,
		PlayerCount: res.PlayerCount,
	})

	reply(JoinRoomReply{PlayerID: connID, PlayerCount: res.PlayerCount})
	replied = true

	// late joiners start from the host's most recent snapshot
	if res.LatestState != nil {
		c.transport.Send(connID, Message{Type: EventGameState, Payload: json.RawMessage(res.LatestState)})
	}
}

func (c *Coordinator) pushStateLocked(connID uuid.UUID, p PushStateRequest) {
	if absentJSON(p.State) {
		c.drop(connID, TypeGameState, "empty_state")
		return
	}
	hostID, ok := c.registry.PushState(p.Code, connID, p.State)
	if !ok {
		c.drop(connID, TypeGameState, "not_host")
		return
	}
	metrics.MessagesForwarded.WithLabelValues("state").Inc()
	c.transport.Broadcast(room.NormalizeCode(p.Code), Message{
		Type:    EventGameState,
		Payload: p.State,
	}, hostID)
}

func (c *Coordinator) sendInputLocked(connID uuid.UUID, p SendInputRequest) {
	code := room.NormalizeCode(p.Code)
	hostID, ok := c.registry.HostOf(code)
	if !ok {
		c.drop(connID, TypePlayerInput, "no_room")
		return
	}
	m, member := c.registry.Membership(connID)
	if !member || m.Code != code {
		c.drop(connID, TypePlayerInput, "not_member")
		return
	}
	metrics.MessagesForwarded.WithLabelValues("input").Inc()
	c.transport.Send(hostID, Message{
		Type:    EventPlayerInput,
		Payload: InputEvent{PlayerID: connID, Input: p.Input},
	})
}

func (c *Coordinator) kickPlayerLocked(connID uuid.UUID, p KickPlayerRequest, reply ReplyFunc) {
	// an unparsable id can never match a seated player
	targetID, _ := uuid.Parse(p.PlayerID)

	player, err := c.registry.Kick(p.Code, connID, targetID)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"conn": connID, "code": p.Code, "target": p.PlayerID}).Infof("kick rejected: %v", err)
		reply(ErrorReply{Error: clientError(err)})
		return
	}
	code := room.NormalizeCode(p.Code)

	c.transport.Unsubscribe(player.ID, code)
	c.transport.Send(player.ID, Message{Type: EventKicked, Payload: KickedEvent{Code: code}})
	c.transport.Disconnect(player.ID, kickReason)

	snap, _ := c.registry.Lookup(code)
	c.publish(models.RoomEvent{
		Kind:        models.EventPlayerKicked,
		RoomCode:    code,
		HostID:      connID,
		PlayerID:    player.ID,
		PlayerName:  player.DisplayName,
		PlayerCount: snap.PlayerCount(),
	})

	reply(SuccessReply{Success: true})
}

func (c *Coordinator) leaveRoomLocked(connID uuid.UUID, reply ReplyFunc) {
	m, ok := c.registry.Membership(connID)
	if !ok {
		reply(ErrorReply{Error: "not in a room"})
		return
	}
	if m.IsHost {
		c.closeRoomLocked(m.Code, room.ReasonHostLeft)
	} else {
		c.removeJoinerLocked(connID)
	}
	reply(SuccessReply{Success: true})
}

func (c *Coordinator) removeJoinerLocked(connID uuid.UUID) {
	d, ok := c.registry.Leave(connID)
	if !ok {
		return
	}
	c.transport.Unsubscribe(connID, d.Code)
	c.transport.Send(d.HostID, Message{
		Type:    EventPlayerLeft,
		Payload: PlayerNotice{PlayerID: d.Player.ID, Name: d.Player.DisplayName},
	})

	snap, _ := c.registry.Lookup(d.Code)
	c.publish(models.RoomEvent{
		Kind:        models.EventPlayerLeft,
		RoomCode:    d.Code,
		HostID:      d.HostID,
		PlayerID:    d.Player.ID,
		PlayerName:  d.Player.DisplayName,
		PlayerCount: snap.PlayerCount(),
	})
}

func (c *Coordinator) closeRoomLocked(code, reason string) {
	cl, ok := c.registry.Teardown(code, reason)
	if !ok {
		return
	}
	c.notifyClosureLocked(cl)
}

// notifyClosureLocked tells the whole former membership, host included, that the game is over.
func (c *Coordinator) notifyClosureLocked(cl room.Closure) {
	msg := Message{Type: EventGameEnded, Payload: GameEndedEvent{Code: cl.Code, Reason: cl.Reason}}
	for _, id := range cl.Members {
		c.transport.Unsubscribe(id, cl.Code)
		c.transport.Send(id, msg)
	}

	metrics.RoomsClosed.WithLabelValues(cl.Reason).Inc()
	c.updateRoomGauge()
	c.publish(models.RoomEvent{
		Kind:        models.EventRoomClosed,
		RoomCode:    cl.Code,
		HostID:      cl.HostID,
		PlayerCount: len(cl.Members),
		Reason:      cl.Reason,
	})
}

// undoOnPanic reverts a registry change when the rest of the handler panics, then
// lets the panic continue to HandleRequest. It must be called directly by defer.
func (c *Coordinator) undoOnPanic(undo func()) {
	r := recover()
	if r == nil {
		return
	}
	func() {
		defer func() {
			if r2 := recover(); r2 != nil {
				c.logger.Errorf("rollback after panic failed: %v", r2)
			}
		}()
		undo()
	}()
	panic(r)
}

func (c *Coordinator) publish(ev models.RoomEvent) {
	ev.Timestamp = c.now().UnixMilli()
	c.events.Publish(ev)
}

func (c *Coordinator) updateRoomGauge() {
	metrics.RoomsActive.Set(float64(c.registry.Len()))
}

func (c *Coordinator) drop(connID uuid.UUID, kind, reason string) {
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	c.logger.WithFields(logrus.Fields{"conn": connID, "type": kind, "reason": reason}).Debug("dropped relay message")
}

func (c *Coordinator) dropPayload(connID uuid.UUID, kind string, err error) {
	c.drop(connID, kind, "malformed")
	c.logger.WithField("conn", connID).Debugf("malformed %s payload: %v", kind, err)
}

func (c *Coordinator) rejectPayload(connID uuid.UUID, kind string, err error, reply ReplyFunc) {
	c.logger.WithField("conn", connID).Warnf("malformed %s payload: %v", kind, err)
	reply(ErrorReply{Error: "invalid payload"})
}

// absentJSON reports whether raw carries no value: missing, blank or a literal null.
func absentJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// clientError maps registry errors to the messages clients see.
func clientError(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "invalid code"
	case errors.Is(err, room.ErrRoomFull):
		return "room full"
	case errors.Is(err, room.ErrNotAuthorized):
		return "not authorized"
	case errors.Is(err, room.ErrPlayerNotFound):
		return "player not found"
	case errors.Is(err, room.ErrAlreadyInRoom):
		return "already in a room"
	case errors.Is(err, room.ErrCodeSpaceExhausted):
		return "could not allocate a room code"
	default:
		return internalErrText
	}
}

func joinResultLabel(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "invalid_code"
	case errors.Is(err, room.ErrRoomFull):
		return "room_full"
	case errors.Is(err, room.ErrAlreadyInRoom):
		return "already_in_room"
	default:
		return "error"
	}
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if r := []rune(name); len(r) > maxDisplayName {
		name = string(r[:maxDisplayName])
	}
	return name
}
