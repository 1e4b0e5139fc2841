package subscriptions

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner periodically runs CleanupStale, following the same ticker
// Start/Stop shape as poller.Poller and connmgr.Sweeper (all three trace
// back to the teacher's pkg/cleanup/service.go loop).
type Cleaner struct {
	registry  *Registry
	interval  time.Duration
	olderThan time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleaner constructs a Cleaner. interval is how often the sweep runs;
// olderThan is the stale-subscription window (§4.3 cleanup_stale).
func NewCleaner(registry *Registry, interval, olderThan time.Duration) *Cleaner {
	return &Cleaner{registry: registry, interval: interval, olderThan: olderThan}
}

// Start launches the background sweep loop.
func (c *Cleaner) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Cleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.registry.CleanupStale(ctx, c.olderThan)
			if err != nil {
				slog.Error("stale subscription cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("stale subscription cleanup removed rows", "count", n)
			}
		}
	}
}
