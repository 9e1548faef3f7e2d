package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sessionsync/internal/cluster"
	"sessionsync/internal/metrics"
)

// Event keys used by the two trackers of a node.
const (
	EventKey        = "lastSessionRefreshes"
	OfflineEventKey = "lastSessionRefreshes-offline"
)

// Config is fixed at construction.
type Config struct {
	EventKey           string
	MaxBatchSize       int
	MaxIntervalSeconds int64
}

// Clock returns the current time in epoch seconds.
type Clock func() int64

// WallClock reads time.Now.
func WallClock() int64 { return time.Now().Unix() }

// accumulator is the live, write-accepting set of refreshes.
//
// Writers hold gate shared for the duration of one put, so they never wait
// on each other. The flusher that detached the accumulator takes gate
// exclusively exactly once to seal it; after that every put is refused and
// the writer retries on the new live accumulator.
type accumulator struct {
	gate    sync.RWMutex
	sealed  bool
	entries sync.Map // session id -> Entry
	size    atomic.Int64
}

func (a *accumulator) put(e Entry) bool {
	a.gate.RLock()
	defer a.gate.RUnlock()

	if a.sealed {
		return false
	}
	if _, loaded := a.entries.Swap(e.SessionID, e); !loaded {
		a.size.Add(1)
	}
	return true
}

func (a *accumulator) len() int {
	return int(a.size.Load())
}

// seal waits for in-flight writers and freezes the accumulator into a
// Batch.
func (a *accumulator) seal() *Batch {
	a.gate.Lock()
	a.sealed = true
	a.gate.Unlock()

	m := make(map[string]Entry, a.len())
	a.entries.Range(func(_, v any) bool {
		e := v.(Entry)
		m[e.SessionID] = e
		return true
	})
	return &Batch{entries: m}
}

// Tracker batches refreshes recorded on this node and publishes them to
// the other sites.
type Tracker struct {
	cfg       Config
	publisher cluster.Publisher
	logger    log.Logger
	metrics   *metrics.Registry
	clock     Clock

	// pendingGauge is per event key so the online and offline trackers
	// do not overwrite each other.
	pendingGauge metrics.MetricKey

	live      atomic.Pointer[accumulator]
	lastFlush atomic.Int64

	// mu guards the detach; it is never taken on the write path.
	mu sync.Mutex
}

// NewTracker creates a tracker whose first interval starts now.
func NewTracker(
	cfg Config,
	publisher cluster.Publisher,
	logger log.Logger,
	reg *metrics.Registry,
	clock Clock,
) *Tracker {
	if clock == nil {
		clock = WallClock
	}
	t := &Tracker{
		cfg:       cfg,
		publisher: publisher,
		logger:    log.With(logger, "component", "refresh-tracker", "key", cfg.EventKey),
		metrics:   reg,
		clock:     clock,

		pendingGauge: pendingGaugeFor(cfg.EventKey),
	}
	t.live.Store(&accumulator{})
	t.lastFlush.Store(clock())
	return t
}

func pendingGaugeFor(eventKey string) metrics.MetricKey {
	if eventKey == OfflineEventKey {
		return metrics.RefreshesPendingOffline
	}
	return metrics.RefreshesPending
}

// Record stores the refresh time of a session, replacing any earlier value
// in the current window, then checks the flush triggers using refreshTime
// as the current time.
func (t *Tracker) Record(ctx context.Context, sessionID, realmID string, refreshTime int64) {
	e := Entry{SessionID: sessionID, RealmID: realmID, LastRefresh: refreshTime}
	for !t.live.Load().put(e) {
	}
	t.metrics.Inc(metrics.RefreshesRecordedTotal)

	t.MaybeFlush(ctx, refreshTime)
}

// MaybeFlush publishes the accumulated refreshes when the batch is full or
// the flush interval has elapsed.
func (t *Tracker) MaybeFlush(ctx context.Context, now int64) {
	if !t.due(now) {
		t.metrics.Set(t.pendingGauge, int64(t.Pending()))
		return
	}
	if acc := t.detach(now, false); acc != nil {
		t.send(ctx, acc.seal())
	}
}

// Drain publishes whatever is pending, regardless of the triggers. Used on
// shutdown.
func (t *Tracker) Drain(ctx context.Context) {
	if acc := t.detach(t.clock(), true); acc != nil {
		t.send(ctx, acc.seal())
	}
}

// Pending returns the number of sessions in the live accumulator.
func (t *Tracker) Pending() int {
	return t.live.Load().len()
}

// LastFlush returns the time of the last detach in epoch seconds.
func (t *Tracker) LastFlush() int64 {
	return t.lastFlush.Load()
}

// Run checks the time trigger every tick until ctx is cancelled, so that
// idle nodes still ship their last refreshes.
func (t *Tracker) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.MaybeFlush(ctx, t.clock())
		case <-ctx.Done():
			level.Debug(t.logger).Log("op", "run", "msg", "refresh tracker stopped")
			return
		}
	}
}

func (t *Tracker) due(now int64) bool {
	return t.live.Load().len() >= t.cfg.MaxBatchSize ||
		now-t.lastFlush.Load() >= t.cfg.MaxIntervalSeconds
}

// detach swaps in a fresh accumulator and returns the previous one, or nil
// when the triggers no longer hold. The re-check under mu makes concurrent
// callers that saw the same crossing produce a single flush.
func (t *Tracker) detach(now int64, force bool) *accumulator {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !force && !t.due(now) {
		return nil
	}
	old := t.live.Swap(&accumulator{})
	// A caller-supplied time ahead of the clock must not push the next
	// time-based flush into the future.
	if c := t.clock(); now > c {
		now = c
	}
	t.lastFlush.Store(now)
	return old
}

// send publishes outside of mu. Failures are logged and dropped: the
// affected sessions catch up on their next refresh.
func (t *Tracker) send(ctx context.Context, batch *Batch) {
	t.metrics.Set(t.pendingGauge, int64(t.Pending()))
	if batch.Len() == 0 {
		return
	}

	t.metrics.Inc(metrics.RefreshFlushesTotal)
	level.Debug(t.logger).Log("op", "flush", "msg", "sending last session refreshes", "sessions", batch.Len())

	payload, err := EncodeBatch(batch)
	if err == nil {
		err = t.publisher.Publish(ctx, t.cfg.EventKey, payload, cluster.AllButLocalSite)
	}
	if err != nil {
		t.metrics.Inc(metrics.RefreshPublishFailuresTotal)
		level.Warn(t.logger).Log("op", "flush", "msg", "publish failed", "sessions", batch.Len(), "error", err)
		return
	}
	t.metrics.Add(metrics.RefreshEntriesSentTotal, int64(batch.Len()))
}
