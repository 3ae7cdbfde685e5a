// Package historian drains room lifecycle events from a Redis list and persists
// them in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/hostrelay/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Popper is the subset of the Redis client the historian reads with.
type Popper interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Sink stores a batch of events atomically.
type Sink interface {
	WriteRoomEvents(ctx context.Context, events []models.RoomEvent) error
}

// Options tune batching. Zero values fall back to defaults.
type Options struct {
	Queue         string
	BatchSize     int
	FlushInterval time.Duration
	PopTimeout    time.Duration
}

// Service accumulates popped events and flushes them when the batch fills up
// or the flush interval elapses, whichever comes first.
type Service struct {
	source Popper
	sink   Sink
	opts   Options
	logger logrus.FieldLogger

	// flushMu keeps batches landing in the order they were popped.
	flushMu sync.Mutex
	batchMu sync.Mutex
	batch   []models.RoomEvent
}

// New builds a Service.
func New(source Popper, sink Sink, opts Options, logger logrus.FieldLogger) *Service {
	if opts.Queue == "" {
		opts.Queue = "relay_room_events"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 3 * time.Second
	}
	return &Service{
		source: source,
		sink:   sink,
		opts:   opts,
		logger: logger,
		batch:  make([]models.RoomEvent, 0, opts.BatchSize),
	}
}

// Run blocks until ctx is done, then flushes the remaining batch.
func (s *Service) Run(ctx context.Context) error {
	s.logger.WithField("queue", s.opts.Queue).Info("historian started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.flushLoop(ctx)
	}()

	s.readLoop(ctx)
	wg.Wait()

	s.flush(context.Background())
	s.logger.Info("historian stopped")
	return nil
}

func (s *Service) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := s.source.BLPop(ctx, s.opts.PopTimeout, s.opts.Queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Errorf("BLPop: %v", err)
			// avoid spinning against an unreachable server
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		if len(res) < 2 {
			continue
		}

		var ev models.RoomEvent
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			s.logger.Warnf("invalid room event record: %v", err)
			continue
		}
		s.append(ctx, ev)
	}
}

func (s *Service) append(ctx context.Context, ev models.RoomEvent) {
	s.batchMu.Lock()
	s.batch = append(s.batch, ev)
	full := len(s.batch) >= s.opts.BatchSize
	s.batchMu.Unlock()

	if full {
		s.flush(ctx)
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// flush writes the current batch. A failed batch is logged and discarded.
func (s *Service) flush(ctx context.Context) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := make([]models.RoomEvent, len(s.batch))
	copy(pending, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := s.sink.WriteRoomEvents(ctx, pending); err != nil {
		s.logger.WithField("events", len(pending)).Errorf("flush room events: %v", err)
		return
	}
	s.logger.WithField("events", len(pending)).Debug("flushed room events")
}
