package peers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sessionsync/internal/logs"
	"sessionsync/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func siteServer(t *testing.T, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HeartbeatPath, r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestWorker(cfg PeerConfig, sites ...string) (*HeartbeatWorker, *PeerManager, *metrics.Registry, *logs.Logger) {
	reg := metrics.NewRegistry()
	logger := logs.NewLogger(20, logs.DEBUG)
	pm := NewPeerManager(cfg, reg)
	for _, s := range sites {
		pm.AddPeer(s)
	}
	return NewHeartbeatWorker(pm, cfg, logger, reg), pm, reg, logger
}

func TestHeartbeatWorker_RunOnce(t *testing.T) {
	var okStatus, failStatus atomic.Int32
	okStatus.Store(http.StatusOK)
	failStatus.Store(http.StatusServiceUnavailable)

	cases := []struct {
		name    string
		site    func(t *testing.T) string
		healthy bool
	}{
		{"SiteAnswers", func(t *testing.T) string { return siteServer(t, &okStatus).URL }, true},
		{"SiteErrors", func(t *testing.T) string { return siteServer(t, &failStatus).URL }, false},
		{"SiteUnreachable", func(*testing.T) string { return "http://127.0.0.1:0" }, false},
		{"MalformedURL", func(*testing.T) string { return "http://\n" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultPeerConfig()
			cfg.Health.FailureThreshold = 1
			site := tc.site(t)
			worker, pm, reg, _ := newTestWorker(cfg, site)

			worker.runOnce(context.Background())

			assert.Equal(t, tc.healthy, pm.IsHealthy(site))
			snap := reg.Snapshot()
			assert.Equal(t, int64(1), snap[string(metrics.HeartbeatRunsTotal)])
			if tc.healthy {
				assert.Equal(t, int64(1), snap[string(metrics.HeartbeatSuccessTotal)])
				assert.Zero(t, snap[string(metrics.HeartbeatFailuresTotal)])
			} else {
				assert.Equal(t, int64(1), snap[string(metrics.HeartbeatFailuresTotal)])
				assert.Zero(t, snap[string(metrics.HeartbeatSuccessTotal)])
			}
		})
	}
}

func TestHeartbeatWorker_SiteOutageAndRecovery(t *testing.T) {
	cfg := DefaultPeerConfig()
	cfg.Health.FailureThreshold = 2
	cfg.Health.SuccessThreshold = 2

	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	site := siteServer(t, &status).URL

	worker, pm, reg, logger := newTestWorker(cfg, site)

	worker.runOnce(context.Background())
	assert.True(t, pm.IsHealthy(site), "one failure is below the threshold")
	worker.runOnce(context.Background())
	require.False(t, pm.IsHealthy(site))
	assert.Empty(t, pm.HealthyPeers([]string{site}), "remote reads skip the site")

	status.Store(http.StatusOK)
	worker.runOnce(context.Background())
	assert.False(t, pm.IsHealthy(site), "one success is below the threshold")
	worker.runOnce(context.Background())
	assert.True(t, pm.IsHealthy(site))

	snap := reg.Snapshot()
	assert.Equal(t, int64(4), snap[string(metrics.HeartbeatRunsTotal)])
	assert.Equal(t, int64(2), snap[string(metrics.HeartbeatSuccessTotal)])
	assert.Equal(t, int64(2), snap[string(metrics.HeartbeatFailuresTotal)])

	entries := logger.GetLast(10)
	require.Len(t, entries, 2)
	assert.Equal(t, "site became unhealthy", entries[0].Message)
	assert.Equal(t, logs.WARN, entries[0].Level)
	assert.Equal(t, "site recovered", entries[1].Message)
	assert.Equal(t, site, entries[1].Fields["site"])
}

func TestHeartbeatWorker_Start(t *testing.T) {
	t.Run("ChecksOnEveryTick", func(t *testing.T) {
		cfg := DefaultPeerConfig()
		cfg.Heartbeat.Interval = 5 * time.Millisecond

		var status atomic.Int32
		status.Store(http.StatusOK)
		worker, _, reg, _ := newTestWorker(cfg, siteServer(t, &status).URL)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go worker.Start(ctx)

		assert.Eventually(t, func() bool {
			return reg.Snapshot()[string(metrics.HeartbeatSuccessTotal)] >= 2
		}, 200*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("ReturnsOnCancel", func(t *testing.T) {
		cfg := DefaultPeerConfig()
		cfg.Heartbeat.Interval = 10 * time.Millisecond
		worker, _, reg, _ := newTestWorker(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.NotPanics(t, func() { worker.Start(ctx) })
		assert.Zero(t, reg.Snapshot()[string(metrics.HeartbeatRunsTotal)])
	})
}
