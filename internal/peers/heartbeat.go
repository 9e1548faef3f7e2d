package peers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sessionsync/internal/metrics"
)

// HeartbeatPath is served by every site for liveness checks.
const HeartbeatPath = "/internal/heartbeat"

// HeartbeatWorker periodically pings the remote sites so that a site the
// remote client gave up on is used again once it answers.
type HeartbeatWorker struct {
	manager *PeerManager
	client  *http.Client
	config  PeerConfig
	logger  log.Logger
	metrics *metrics.Registry
}

// NewHeartbeatWorker creates a new heartbeat worker
func NewHeartbeatWorker(
	manager *PeerManager,
	cfg PeerConfig,
	logger log.Logger,
	reg *metrics.Registry,
) *HeartbeatWorker {
	return &HeartbeatWorker{
		manager: manager,
		client:  &http.Client{Timeout: cfg.Timeout.HeartbeatTimeout},
		config:  cfg,
		logger:  log.With(logger, "component", "heartbeat"),
		metrics: reg,
	}
}

// Start begins the heartbeat loop
// Stops immediately when the ctx is cancelled
func (hw *HeartbeatWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(hw.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hw.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (hw *HeartbeatWorker) runOnce(ctx context.Context) {
	hw.metrics.Inc(metrics.HeartbeatRunsTotal)

	for _, site := range hw.manager.GetPeers() {
		wasHealthy := hw.manager.IsHealthy(site)

		if hw.ping(ctx, site) {
			hw.metrics.Inc(metrics.HeartbeatSuccessTotal)
			hw.manager.MarkSuccess(site)
		} else {
			hw.metrics.Inc(metrics.HeartbeatFailuresTotal)
			hw.manager.MarkFailure(site)
		}

		switch healthy := hw.manager.IsHealthy(site); {
		case wasHealthy && !healthy:
			level.Warn(hw.logger).Log("op", "heartbeat", "msg", "site became unhealthy", "site", site)
		case !wasHealthy && healthy:
			level.Info(hw.logger).Log("op", "heartbeat", "msg", "site recovered", "site", site)
		}
	}
}

func (hw *HeartbeatWorker) ping(ctx context.Context, site string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, site+HeartbeatPath, nil)
	if err != nil {
		return false
	}

	resp, err := hw.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
