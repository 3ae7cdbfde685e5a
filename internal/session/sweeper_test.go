package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/hostrelay/internal/room"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRunSweeperClosesStaleRooms(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	logger, _ := test.NewNullLogger()
	reg := room.NewRegistry(room.WithLogger(logger), room.WithClock(clock.Now))
	rt := newRecordingTransport()
	coord := NewCoordinator(reg, rt, logger, WithClock(clock.Now))

	host, joiner := uuid.New(), uuid.New()
	var code string
	coord.HandleRequest(host, Request{Type: TypeCreateRoom}, func(p any) {
		code = p.(CreateRoomReply).Code
	})
	require.NotEmpty(t, code)
	_, err := reg.Join(code, joiner, "j")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- coord.RunSweeper(ctx, 5*time.Millisecond, DefaultStaleAfter)
	}()

	// several ticks pass without the room going stale
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())

	clock.Advance(DefaultStaleAfter + time.Second)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	ended := rt.received(joiner, EventGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, room.ReasonExpired, ended[0].Payload.(GameEndedEvent).Reason)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestRunSweeperKeepsActiveRooms(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	logger, _ := test.NewNullLogger()
	reg := room.NewRegistry(room.WithLogger(logger), room.WithClock(clock.Now))
	coord := NewCoordinator(reg, newRecordingTransport(), logger, WithClock(clock.Now))

	host := uuid.New()
	code, err := reg.Create(host)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.RunSweeper(ctx, 5*time.Millisecond, DefaultStaleAfter)
	}()

	for i := 0; i < 5; i++ {
		clock.Advance(20 * time.Minute)
		_, ok := reg.PushState(code, host, []byte(`{}`))
		require.True(t, ok)
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, reg.Len())

	cancel()
	<-done
}
