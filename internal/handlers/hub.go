// internal/handlers/hub.go
package handlers

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/hostrelay/internal/metrics"
	"github.com/jason-s-yu/hostrelay/internal/session"
	"github.com/sirupsen/logrus"
)

const outboundBuffer = 64

// closeFrame asks the write pump to close the socket with the given status.
type closeFrame struct {
	code   websocket.StatusCode
	reason string
}

// outbound is one item in a connection's write queue: either a message or a close request.
type outbound struct {
	msg   session.Message
	close *closeFrame
}

// RelayConnection is a single websocket client known to the Hub.
type RelayConnection struct {
	ID      uuid.UUID
	Remote  string
	OutChan chan outbound
	Cancel  context.CancelFunc

	logger  logrus.FieldLogger
	closing sync.Once
}

// NewRelayConnection allocates a connection with a fresh id.
func NewRelayConnection(remote string, cancel context.CancelFunc, logger logrus.FieldLogger) *RelayConnection {
	id := uuid.New()
	return &RelayConnection{
		ID:      id,
		Remote:  remote,
		OutChan: make(chan outbound, outboundBuffer),
		Cancel:  cancel,
		logger:  logger.WithField("conn", id),
	}
}

// Write queues msg without blocking. A full queue drops the message.
func (conn *RelayConnection) Write(msg session.Message) {
	select {
	case conn.OutChan <- outbound{msg: msg}:
	default:
		metrics.MessagesDropped.WithLabelValues("outbound_full").Inc()
		conn.logger.Warnf("outbound queue full, dropped %q", msg.Type)
	}
}

// CloseWith queues a close after any pending messages. If the queue is full the
// connection is torn down right away.
func (conn *RelayConnection) CloseWith(code websocket.StatusCode, reason string) {
	conn.closing.Do(func() {
		select {
		case conn.OutChan <- outbound{close: &closeFrame{code: code, reason: reason}}:
		default:
			conn.logger.Warn("outbound queue full, closing without flush")
			if conn.Cancel != nil {
				conn.Cancel()
			}
		}
	})
}

// Hub tracks live connections and the groups (room codes) they belong to.
// It implements session.Transport.
type Hub struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*RelayConnection
	groups map[string]map[uuid.UUID]struct{}
	wg     sync.WaitGroup
	logger logrus.FieldLogger

	closed      bool
	closeReason string
}

var _ session.Transport = (*Hub)(nil)

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		conns:  make(map[uuid.UUID]*RelayConnection),
		groups: make(map[string]map[uuid.UUID]struct{}),
		logger: logger,
	}
}

// Register adds conn and reports whether it was accepted. A successful Register
// must be paired with Unregister. Once the hub is closed, conn is refused: it gets
// the shutdown notice and a close queued, and is never tracked.
func (h *Hub) Register(conn *RelayConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sayGoodbye(conn, h.closeReason)
		return false
	}
	h.conns[conn.ID] = conn
	h.wg.Add(1)
	metrics.ConnectionsActive.Inc()
	return true
}

// Unregister forgets conn and drops it from every group.
func (h *Hub) Unregister(connID uuid.UUID) {
	h.mu.Lock()
	_, ok := h.conns[connID]
	delete(h.conns, connID)
	for group, members := range h.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.ConnectionsActive.Dec()
		h.wg.Done()
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) Send(connID uuid.UUID, msg session.Message) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		h.logger.WithField("conn", connID).Debugf("send %q to unknown connection", msg.Type)
		return
	}
	conn.Write(msg)
}

func (h *Hub) Broadcast(group string, msg session.Message, except uuid.UUID) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id := range h.groups[group] {
		if id == except {
			continue
		}
		if conn, ok := h.conns[id]; ok {
			conn.Write(msg)
		}
	}
}

func (h *Hub) Subscribe(connID uuid.UUID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		h.groups[group] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) Unsubscribe(connID uuid.UUID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Disconnect closes the connection with KickedError once its queue drains.
func (h *Hub) Disconnect(connID uuid.UUID, reason string) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		conn.CloseWith(KickedError, reason)
	}
}

// Members returns the connections subscribed to group.
func (h *Hub) Members(group string) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		ids = append(ids, id)
	}
	return ids
}

// Close tells every client the server is going away and queues a close for each.
// Connections arriving afterwards are refused the same way. Only the first call acts.
func (h *Hub) Close(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.closeReason = reason
	h.logger.WithField("connections", len(h.conns)).Info("closing all websocket connections")
	for _, conn := range h.conns {
		sayGoodbye(conn, reason)
	}
}

func sayGoodbye(conn *RelayConnection, reason string) {
	conn.Write(session.Message{
		Type:    session.EventServerShutdown,
		Payload: session.ShutdownEvent{Reason: reason},
	})
	conn.CloseWith(websocket.StatusGoingAway, reason)
}

// Wait blocks until every registered connection has unregistered or ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
