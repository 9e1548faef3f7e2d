package ttl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"sessionsync/internal/logs"
	"sessionsync/internal/metrics"
	"sessionsync/internal/session"
	"sessionsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/* ---------------- Mock Store ---------------- */

type mockStore struct {
	removed     int32
	idle        int64
	offlineIdle int64
}

func (m *mockStore) RemoveIdle(now, idle, offlineIdle int64) int {
	atomic.StoreInt64(&m.idle, idle)
	atomic.StoreInt64(&m.offlineIdle, offlineIdle)
	return int(atomic.AddInt32(&m.removed, 1))
}

/* ---------------- Tests ---------------- */

func TestCleaner_RunOnce_RemovesIdleAndUpdatesMetrics(t *testing.T) {
	store := &mockStore{}
	reg := metrics.NewRegistry()
	logger := logs.NewLogger(10, logs.DEBUG)

	cleaner := NewCleaner(store, time.Second, Timeouts{Idle: 1800, OfflineIdle: 86400}, logger, reg)

	cleaner.runOnce()

	assert.Equal(t, int32(1), atomic.LoadInt32(&store.removed))
	assert.Equal(t, int64(1800), atomic.LoadInt64(&store.idle))
	assert.Equal(t, int64(86400), atomic.LoadInt64(&store.offlineIdle))

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap[string(metrics.TTLKeysRemovedTotal)])
	assert.Equal(t, int64(1), snap[string(metrics.TTLCleanupRunsTotal)])
}

func TestCleaner_RunOnce_AgainstStore(t *testing.T) {
	reg := metrics.NewRegistry()
	st := store.NewStore(reg)
	st.Put(&session.Session{ID: "stale", RealmID: "r1", LastRefresh: 100})
	st.Put(&session.Session{ID: "fresh", RealmID: "r1", LastRefresh: 950})
	st.Put(&session.Session{ID: "offline", RealmID: "r1", Offline: true, LastRefresh: 100})

	cleaner := NewCleaner(st, time.Second, Timeouts{Idle: 300, OfflineIdle: 0}, logs.NewLogger(10, logs.DEBUG), reg)
	cleaner.clock = func() int64 { return 1000 }
	cleaner.runOnce()

	_, ok := st.Get("r1", "stale", false)
	assert.False(t, ok)
	_, ok = st.Get("r1", "fresh", false)
	assert.True(t, ok)
	_, ok = st.Get("r1", "offline", true)
	require.True(t, ok, "offline expiry is disabled")
	assert.Equal(t, int64(1), reg.Snapshot()[string(metrics.TTLKeysRemovedTotal)])
}

func TestCleaner_Start_RunsPeriodicallyAndTracksRuns(t *testing.T) {
	store := &mockStore{}
	reg := metrics.NewRegistry()
	logger := logs.NewLogger(10, logs.DEBUG)

	cleaner := NewCleaner(store, 5*time.Millisecond, Timeouts{Idle: 1}, logger, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go cleaner.Start(ctx)

	assert.Eventually(t, func() bool {
		snap := reg.Snapshot()
		return snap[string(metrics.TTLCleanupRunsTotal)] >= 2
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestCleaner_Start_StopsOnContextCancel(t *testing.T) {
	store := &mockStore{}
	reg := metrics.NewRegistry()
	logger := logs.NewLogger(10, logs.DEBUG)

	cleaner := NewCleaner(store, 5*time.Millisecond, Timeouts{Idle: 1}, logger, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go cleaner.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	cancel()

	runsAtCancel := reg.Snapshot()[string(metrics.TTLCleanupRunsTotal)]

	time.Sleep(30 * time.Millisecond)
	runsAfter := reg.Snapshot()[string(metrics.TTLCleanupRunsTotal)]

	// Allow at most one extra tick due to race with ticker
	assert.LessOrEqual(t, runsAfter, runsAtCancel+1)
}
