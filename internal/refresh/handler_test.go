package refresh

import (
	"context"
	"testing"

	"sessionsync/internal/cluster"
	"sessionsync/internal/logs"
	"sessionsync/internal/metrics"
	"sessionsync/internal/session"
	"sessionsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(st *store.Store, id string, offline bool, lastRefresh int64) {
	st.Put(&session.Session{ID: id, RealmID: "r1", Offline: offline, LastRefresh: lastRefresh})
}

func lastRefresh(t *testing.T, st *store.Store, id string, offline bool) int64 {
	t.Helper()
	sess, ok := st.Get("r1", id, offline)
	require.True(t, ok)
	return sess.LastRefresh
}

func TestMergeHandler(t *testing.T) {
	reg := metrics.NewRegistry()
	st := store.NewStore(reg)
	seed(st, "older", false, 10)
	seed(st, "newer", false, 50)
	seed(st, "offline", true, 10)

	h := NewMergeHandler(false, logs.NewLogger(10, logs.DEBUG), reg)
	batch := NewBatch(
		Entry{SessionID: "older", RealmID: "r1", LastRefresh: 20},
		Entry{SessionID: "newer", RealmID: "r1", LastRefresh: 20},
		Entry{SessionID: "offline", RealmID: "r1", LastRefresh: 20},
		Entry{SessionID: "unknown", RealmID: "r1", LastRefresh: 20},
	)

	err := st.RunInTransaction(context.Background(), func(tx *store.Tx) error {
		return h.Handle(context.Background(), tx, batch)
	})
	require.NoError(t, err)

	assert.Equal(t, int64(20), lastRefresh(t, st, "older", false))
	assert.Equal(t, int64(50), lastRefresh(t, st, "newer", false))
	assert.Equal(t, int64(10), lastRefresh(t, st, "offline", true), "online handler leaves offline sessions alone")
	_, ok := st.Get("r1", "unknown", false)
	assert.False(t, ok, "unknown sessions are not created")

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap[string(metrics.RefreshBatchesAppliedTotal)])
	assert.Equal(t, int64(1), snap[string(metrics.RefreshEntriesAppliedTotal)])
	assert.Equal(t, int64(3), snap[string(metrics.RefreshEntriesSkippedTotal)])
}

// Two sites on one hub: refreshes recorded in dc-a reach dc-b's store but
// never another dc-a node.
func TestTrackerToListenerAcrossSites(t *testing.T) {
	logger := logs.NewLogger(100, logs.DEBUG)
	hub := cluster.NewHub(logger)
	a1 := hub.Join("a1", "dc-a")
	a2 := hub.Join("a2", "dc-a")
	b1 := hub.Join("b1", "dc-b")

	regA2, regB := metrics.NewRegistry(), metrics.NewRegistry()
	storeA2, storeB := store.NewStore(regA2), store.NewStore(regB)
	for _, st := range []*store.Store{storeA2, storeB} {
		seed(st, "s1", false, 1)
		seed(st, "s2", false, 1)
		seed(st, "s1", true, 1)
	}

	NewListener(EventKey, false, storeA2, logger, regA2).Register(a2)
	NewListener(OfflineEventKey, true, storeA2, logger, regA2).Register(a2)
	NewListener(EventKey, false, storeB, logger, regB).Register(b1)
	NewListener(OfflineEventKey, true, storeB, logger, regB).Register(b1)

	regA := metrics.NewRegistry()
	clock := func() int64 { return 100 }
	online := NewTracker(Config{EventKey: EventKey, MaxBatchSize: 2, MaxIntervalSeconds: 60}, a1, logger, regA, clock)
	offline := NewTracker(Config{EventKey: OfflineEventKey, MaxBatchSize: 1, MaxIntervalSeconds: 60}, a1, logger, regA, clock)

	ctx := context.Background()
	online.Record(ctx, "s1", "r1", 110)
	online.Record(ctx, "s2", "r1", 120)
	offline.Record(ctx, "s1", "r1", 130)

	assert.Equal(t, int64(110), lastRefresh(t, storeB, "s1", false))
	assert.Equal(t, int64(120), lastRefresh(t, storeB, "s2", false))
	assert.Equal(t, int64(130), lastRefresh(t, storeB, "s1", true))

	assert.Equal(t, int64(1), lastRefresh(t, storeA2, "s1", false), "local site is not notified")
	assert.Equal(t, int64(1), lastRefresh(t, storeA2, "s1", true))
}
