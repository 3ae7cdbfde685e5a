package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/hostrelay/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeQueue serves BLPop from an in-memory channel.
type fakeQueue struct {
	items chan string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(chan string, 100)}
}

func (q *fakeQueue) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.items:
		return redis.NewStringSliceResult([]string{keys[0], item}, nil)
	case <-timer.C:
		return redis.NewStringSliceResult(nil, redis.Nil)
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	}
}

func (q *fakeQueue) push(t *testing.T, ev models.RoomEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	q.items <- string(data)
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]models.RoomEvent
	err     error
}

func (s *fakeSink) WriteRoomEvents(_ context.Context, events []models.RoomEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *fakeSink) snapshot() [][]models.RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]models.RoomEvent(nil), s.batches...)
}

func (s *fakeSink) total() int {
	n := 0
	for _, b := range s.snapshot() {
		n += len(b)
	}
	return n
}

func runService(t *testing.T, svc *Service) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, svc.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestFlushesWhenBatchFills(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q, sink := newFakeQueue(), &fakeSink{}
	svc := New(q, sink, Options{BatchSize: 2, FlushInterval: time.Hour, PopTimeout: 10 * time.Millisecond}, logger)
	stop := runService(t, svc)

	host := uuid.New()
	for i := 0; i < 4; i++ {
		q.push(t, models.RoomEvent{Kind: models.EventPlayerJoined, RoomCode: "AAAAAA", HostID: host, PlayerCount: i + 2})
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	batches := sink.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0][0].PlayerCount)
	assert.Equal(t, 5, batches[1][1].PlayerCount)
}

func TestFlushesOnInterval(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q, sink := newFakeQueue(), &fakeSink{}
	svc := New(q, sink, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond, PopTimeout: 10 * time.Millisecond}, logger)
	stop := runService(t, svc)
	defer stop()

	q.push(t, models.RoomEvent{Kind: models.EventRoomCreated, RoomCode: "AAAAAA"})
	require.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFlushesRemainderOnStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q, sink := newFakeQueue(), &fakeSink{}
	svc := New(q, sink, Options{BatchSize: 100, FlushInterval: time.Hour, PopTimeout: 10 * time.Millisecond}, logger)
	stop := runService(t, svc)

	for i := 0; i < 3; i++ {
		q.push(t, models.RoomEvent{Kind: models.EventPlayerLeft})
	}
	require.Eventually(t, func() bool { return len(q.items) == 0 }, time.Second, 5*time.Millisecond)
	// the last item may still be between pop and append
	time.Sleep(20 * time.Millisecond)
	stop()

	assert.Equal(t, 3, sink.total())
}

func TestSkipsInvalidRecords(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q, sink := newFakeQueue(), &fakeSink{}
	svc := New(q, sink, Options{BatchSize: 1, FlushInterval: time.Hour, PopTimeout: 10 * time.Millisecond}, logger)
	stop := runService(t, svc)

	q.items <- "{not json"
	q.push(t, models.RoomEvent{Kind: models.EventRoomClosed, RoomCode: "BBBBBB"})

	require.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, "BBBBBB", sink.snapshot()[0][0].RoomCode)
	found := false
	for _, e := range hook.AllEntries() {
		if e.Message != "" && e.Level.String() == "warning" {
			found = true
		}
	}
	assert.True(t, found, "invalid record should be logged")
}

func TestFailedFlushIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q, sink := newFakeQueue(), &fakeSink{err: errors.New("db down")}
	svc := New(q, sink, Options{BatchSize: 1, FlushInterval: time.Hour, PopTimeout: 10 * time.Millisecond}, logger)
	stop := runService(t, svc)

	q.push(t, models.RoomEvent{Kind: models.EventRoomCreated})
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "flush room events: db down" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	stop()
}

func TestDefaults(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := New(newFakeQueue(), &fakeSink{}, Options{}, logger)
	assert.Equal(t, "relay_room_events", svc.opts.Queue)
	assert.Equal(t, 20, svc.opts.BatchSize)
	assert.Equal(t, 500*time.Millisecond, svc.opts.FlushInterval)
	assert.Equal(t, 3*time.Second, svc.opts.PopTimeout)
}
