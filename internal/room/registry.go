// internal/room/registry.go
package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry owns every live room and the connection->room index.
// All mutations take mu, so no caller ever observes a room mid-change.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	index map[uuid.UUID]string

	now     func() time.Time
	newCode CodeGenerator
	logger  logrus.FieldLogger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithCodeGenerator replaces RandomCode.
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(r *Registry) {
		r.newCode = gen
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:   make(map[string]*Room),
		index:   make(map[uuid.UUID]string),
		now:     time.Now,
		newCode: RandomCode,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a fresh code and registers an empty room owned by hostID.
func (r *Registry) Create(hostID uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[hostID]; ok {
		return "", ErrAlreadyInRoom
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code = NormalizeCode(code)
		if _, taken := r.rooms[code]; taken {
			r.logger.WithField("code", code).Debug("room code collision, re-rolling")
			continue
		}

		r.rooms[code] = newRoom(code, hostID, r.now())
		r.index[hostID] = code
		r.logger.WithFields(logrus.Fields{"code": code, "host": hostID}).Info("room created")
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// Join seats connID in the room identified by code.
func (r *Registry) Join(code string, connID uuid.UUID, displayName string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code = NormalizeCode(code)
	rm, ok := r.rooms[code]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	if len(rm.Players) >= MaxJoiners {
		return JoinResult{}, ErrRoomFull
	}
	if _, ok := r.index[connID]; ok {
		return JoinResult{}, ErrAlreadyInRoom
	}

	if displayName == "" {
		displayName = fmt.Sprintf("Player %d", len(rm.Players)+2)
	}
	p := &Player{
		ID:          connID,
		DisplayName: displayName,
		JoinedAt:    r.now(),
	}
	rm.Players[connID] = p
	r.index[connID] = code

	r.logger.WithFields(logrus.Fields{"code": code, "player": connID, "name": displayName}).Info("player joined")

	return JoinResult{
		Code:        code,
		HostID:      rm.HostID,
		Player:      *p,
		PlayerCount: 1 + len(rm.Players),
		LatestState: cloneBytes(rm.LatestState),
	}, nil
}

// Leave removes a joiner from its room. Hosts and unknown connections are ignored.
func (r *Registry) Leave(connID uuid.UUID) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.index[connID]
	if !ok {
		return Departure{}, false
	}
	rm := r.rooms[code]
	if rm.HostID == connID {
		return Departure{}, false
	}
	return r.removePlayerLocked(rm, connID)
}

// Kick removes targetID from the room on behalf of its host.
func (r *Registry) Kick(code string, requesterID, targetID uuid.UUID) (Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code = NormalizeCode(code)
	rm, ok := r.rooms[code]
	if !ok || rm.HostID != requesterID {
		return Player{}, ErrNotAuthorized
	}
	d, ok := r.removePlayerLocked(rm, targetID)
	if !ok {
		return Player{}, ErrPlayerNotFound
	}
	return d.Player, nil
}

func (r *Registry) removePlayerLocked(rm *Room, connID uuid.UUID) (Departure, bool) {
	p, ok := rm.Players[connID]
	if !ok {
		return Departure{}, false
	}
	delete(rm.Players, connID)
	delete(r.index, connID)

	r.logger.WithFields(logrus.Fields{"code": rm.Code, "player": connID}).Info("player removed")

	return Departure{Code: rm.Code, HostID: rm.HostID, Player: *p}, true
}

// PushState stores the host's latest state and refreshes the room's activity time.
// It returns false when the room is gone or requesterID is not its host.
func (r *Registry) PushState(code string, requesterID uuid.UUID, state []byte) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code = NormalizeCode(code)
	rm, ok := r.rooms[code]
	if !ok || rm.HostID != requesterID {
		return uuid.Nil, false
	}
	rm.LatestState = cloneBytes(state)
	rm.LastActivityAt = r.now()
	return rm.HostID, true
}

// Teardown removes the room and every index entry that points at it.
func (r *Registry) Teardown(code, reason string) (Closure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[NormalizeCode(code)]
	if !ok {
		return Closure{}, false
	}
	return r.teardownLocked(rm, reason), true
}

func (r *Registry) teardownLocked(rm *Room, reason string) Closure {
	members := rm.members()
	for _, id := range members {
		delete(r.index, id)
	}
	delete(r.rooms, rm.Code)

	r.logger.WithFields(logrus.Fields{
		"code":    rm.Code,
		"reason":  reason,
		"members": len(members),
	}).Info("room closed")

	return Closure{
		Code:    rm.Code,
		Reason:  reason,
		HostID:  rm.HostID,
		Members: members,
	}
}

// SweepExpired tears down every room whose host has been idle longer than threshold.
func (r *Registry) SweepExpired(now time.Time, threshold time.Duration) []Closure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed []Closure
	for _, rm := range r.rooms {
		if now.Sub(rm.LastActivityAt) > threshold {
			closed = append(closed, r.teardownLocked(rm, ReasonExpired))
		}
	}
	return closed
}

// Drain tears down every room.
func (r *Registry) Drain(reason string) []Closure {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := make([]Closure, 0, len(r.rooms))
	for _, rm := range r.rooms {
		closed = append(closed, r.teardownLocked(rm, reason))
	}
	return closed
}

// Membership reports which room connID belongs to, if any.
func (r *Registry) Membership(connID uuid.UUID) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.index[connID]
	if !ok {
		return Membership{}, false
	}
	return Membership{Code: code, IsHost: r.rooms[code].HostID == connID}, true
}

// HostOf returns the host of the room identified by code.
func (r *Registry) HostOf(code string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[NormalizeCode(code)]
	if !ok {
		return uuid.Nil, false
	}
	return rm.HostID, true
}

// Lookup returns a copy of the room identified by code.
func (r *Registry) Lookup(code string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[NormalizeCode(code)]
	if !ok {
		return Snapshot{}, false
	}
	return rm.snapshot(), true
}

// Stats counts live rooms and every seated connection, hosts included.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{Rooms: len(r.rooms), Players: len(r.index)}
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
