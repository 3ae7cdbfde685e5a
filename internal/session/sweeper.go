package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Default expiry schedule.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultStaleAfter    = 30 * time.Minute
)

// RunSweeper closes stale rooms every interval until ctx is done.
// It runs in the caller's goroutine, so sweeps never overlap.
func (c *Coordinator) RunSweeper(ctx context.Context, interval, staleAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.WithFields(logrus.Fields{
		"interval":    interval,
		"stale_after": staleAfter,
	}).Info("room sweeper started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("room sweeper stopped")
			return nil
		case <-ticker.C:
			closed := c.SweepExpired(c.now(), staleAfter)
			if len(closed) > 0 {
				c.logger.WithField("rooms", len(closed)).Info("closed stale rooms")
			}
		}
	}
}
