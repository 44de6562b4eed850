package agent

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often idle sessions are collected.
const DefaultSweepInterval = 5 * time.Minute

// StartIdleSweeper runs a background goroutine that periodically closes
// sessions idle for longer than ttl. It stops when ctx is cancelled.
func StartIdleSweeper(ctx context.Context, c *Coordinator, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if n := c.SweepIdle(ttl); n > 0 {
					slog.Info("Session sweeper closed idle sessions", "count", n, "remaining", c.SessionCount())
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
