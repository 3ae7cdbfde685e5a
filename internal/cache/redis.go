// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jason-s-yu/hostrelay/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list the historian drains.
const DefaultQueueName = "relay_room_events"

const (
	defaultBuffer = 256
	pushTimeout   = 2 * time.Second
)

// Pusher is the subset of the Redis client used to enqueue events.
type Pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// EventQueue buffers room events in memory and pushes them to a Redis list from Run.
// Publish never blocks the caller; when the buffer is full the event is dropped.
type EventQueue struct {
	client Pusher
	queue  string
	ch     chan models.RoomEvent
	logger logrus.FieldLogger
}

// NewEventQueue returns a queue writing to the named Redis list.
func NewEventQueue(client Pusher, queue string, logger logrus.FieldLogger) *EventQueue {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &EventQueue{
		client: client,
		queue:  queue,
		ch:     make(chan models.RoomEvent, defaultBuffer),
		logger: logger,
	}
}

// Publish enqueues ev for delivery.
func (q *EventQueue) Publish(ev models.RoomEvent) {
	select {
	case q.ch <- ev:
	default:
		q.logger.WithFields(logrus.Fields{
			"kind": ev.Kind,
			"code": ev.RoomCode,
		}).Warn("room event buffer full, dropping event")
	}
}

// Run pushes queued events until ctx is done, then flushes whatever is still buffered.
func (q *EventQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.flush()
			return nil
		case ev := <-q.ch:
			q.push(context.Background(), ev)
		}
	}
}

func (q *EventQueue) flush() {
	for {
		select {
		case ev := <-q.ch:
			q.push(context.Background(), ev)
		default:
			return
		}
	}
}

func (q *EventQueue) push(ctx context.Context, ev models.RoomEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		q.logger.Warnf("failed to marshal room event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := q.client.RPush(ctx, q.queue, data).Err(); err != nil {
		q.logger.WithField("queue", q.queue).Warnf("failed to RPush room event: %v", err)
	}
}
