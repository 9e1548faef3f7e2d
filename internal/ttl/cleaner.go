package ttl

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sessionsync/internal/metrics"
)

// Store defines the minimal contract required by the TTL cleaner
// This keeps the cleaner interface decoupled from the concrete store implementation
type Store interface {
	RemoveIdle(now, idleTimeout, offlineIdleTimeout int64) int
}

// Timeouts are the idle limits in seconds; zero disables expiry for that
// kind of session.
type Timeouts struct {
	Idle        int64
	OfflineIdle int64
}

// Cleaner periodically removes idle sessions from the store
type Cleaner struct {
	store    Store
	interval time.Duration
	timeouts Timeouts
	clock    func() int64
	logger   log.Logger
	metrics  *metrics.Registry
}

// NewCleaner creates a new instance of TTL Cleaner
func NewCleaner(
	store Store,
	interval time.Duration,
	timeouts Timeouts,
	logger log.Logger,
	reg *metrics.Registry,
) *Cleaner {
	return &Cleaner{
		store:    store,
		interval: interval,
		timeouts: timeouts,
		clock:    func() int64 { return time.Now().Unix() },
		logger:   log.With(logger, "component", "ttl-cleaner"),
		metrics:  reg,
	}
}

// Start runs the cleanup loop until the context is cancelled.
// It blocks and should typically be run in a separate goroutine.
func (c *Cleaner) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runOnce()
		case <-ctx.Done():
			level.Debug(c.logger).Log("msg", "ttl cleaner stopped")
			return
		}
	}
}

// runOnce performs a single cleanup cycle
func (c *Cleaner) runOnce() {
	c.metrics.Inc(metrics.TTLCleanupRunsTotal)

	removed := c.store.RemoveIdle(c.clock(), c.timeouts.Idle, c.timeouts.OfflineIdle)
	if removed > 0 {
		c.metrics.Add(metrics.TTLKeysRemovedTotal, int64(removed))
		level.Info(c.logger).Log("msg", "ttl cleaner removed idle sessions", "removed", removed)
	}
}
