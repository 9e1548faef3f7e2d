package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricKey is a strongly typed metric identifier.
//
// Keys ending in "_total" are exported as Prometheus counters, every other
// key as a gauge.
type MetricKey string

const namespace = "sessionsync"

// Metric keys (centralized)
const (
	// Sessions
	SessionsActive              MetricKey = "sessions_active"
	SessionPutsTotal            MetricKey = "session_puts_total"
	SessionGetsTotal            MetricKey = "session_gets_total"
	SessionMissesTotal          MetricKey = "session_misses_total"
	SessionsExpiredTotal        MetricKey = "sessions_expired_total"
	TransactionsTotal           MetricKey = "transactions_total"
	TransactionRollbacksTotal   MetricKey = "transaction_rollbacks_total"
	RefreshesRecordedTotal      MetricKey = "refreshes_recorded_total"
	RefreshesPending            MetricKey = "refreshes_pending"
	RefreshesPendingOffline     MetricKey = "refreshes_pending_offline"
	RefreshFlushesTotal         MetricKey = "refresh_flushes_total"
	RefreshEntriesSentTotal     MetricKey = "refresh_entries_sent_total"
	RefreshPublishFailuresTotal MetricKey = "refresh_publish_failures_total"
	RefreshBatchesAppliedTotal  MetricKey = "refresh_batches_applied_total"
	RefreshEntriesAppliedTotal  MetricKey = "refresh_entries_applied_total"
	RefreshEntriesSkippedTotal  MetricKey = "refresh_entries_skipped_total"

	// Same-site replication
	ReplicationsSentTotal    MetricKey = "replications_sent_total"
	ReplicationFailuresTotal MetricKey = "replication_failures_total"
	ReplicationsAppliedTotal MetricKey = "replications_applied_total"
	ReplicationsSkippedTotal MetricKey = "replications_skipped_total"

	// Inbound events
	EventsReceivedTotal MetricKey = "events_received_total"
	EventFailuresTotal  MetricKey = "event_failures_total"

	// Cross-DC reads
	CrossDCLocalHitsTotal     MetricKey = "crossdc_local_hits_total"
	CrossDCRemoteFetchesTotal MetricKey = "crossdc_remote_fetches_total"
	CrossDCRemoteErrorsTotal  MetricKey = "crossdc_remote_errors_total"

	// TTL
	TTLCleanupRunsTotal MetricKey = "ttl_cleanup_runs_total"
	TTLKeysRemovedTotal MetricKey = "ttl_keys_removed_total"

	// Peers
	PeersHealthy      MetricKey = "peers_healthy"
	PeersUnhealthy    MetricKey = "peers_unhealthy"
	PeerFailuresTotal MetricKey = "peer_failures_total"

	// Gossip members
	ClusterMembers          MetricKey = "cluster_members"
	ClusterMembersHealthy   MetricKey = "cluster_members_healthy"
	ClusterMembersUnhealthy MetricKey = "cluster_members_unhealthy"

	// Retries of cluster operations
	RetriesTotal          MetricKey = "retries_total"
	RetriesExhaustedTotal MetricKey = "retries_exhausted_total"

	// Heartbeat metrics
	HeartbeatRunsTotal     MetricKey = "heartbeat_runs_total"
	HeartbeatSuccessTotal  MetricKey = "heartbeat_success_total"
	HeartbeatFailuresTotal MetricKey = "heartbeat_failures_total"
)

func (k MetricKey) isCounter() bool {
	return strings.HasSuffix(string(k), "_total")
}

// metric is the subset of prometheus.Counter and prometheus.Gauge the
// registry needs.
type metric interface {
	prometheus.Metric
	prometheus.Collector
	Add(float64)
}

// Registry stores all metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[MetricKey]metric
	prom    *prometheus.Registry
}

// NewRegistry creates a metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[MetricKey]metric),
		prom:    prometheus.NewRegistry(),
	}
}

// Inc increments a metric by 1.
func (r *Registry) Inc(key MetricKey) {
	r.Add(key, 1)
}

// Add increments a metric by delta. Negative deltas on counters are
// ignored.
func (r *Registry) Add(key MetricKey, delta int64) {
	if delta < 0 && key.isCounter() {
		return
	}
	r.get(key).Add(float64(delta))
}

// Set overwrites a gauge. It is a no-op for counters.
func (r *Registry) Set(key MetricKey, value int64) {
	if key.isCounter() {
		return
	}
	if g, ok := r.get(key).(prometheus.Gauge); ok {
		g.Set(float64(value))
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

func (r *Registry) get(key MetricKey) metric {
	r.mu.RLock()
	m, ok := r.metrics[key]
	r.mu.RUnlock()

	if ok {
		return m
	}

	// Slow path: metric not yet initialized
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if m, ok = r.metrics[key]; ok {
		return m
	}

	if key.isCounter() {
		m = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      string(key),
		})
	} else {
		m = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      string(key),
		})
	}
	// Names that Prometheus rejects stay usable through Snapshot.
	_ = r.prom.Register(m)
	r.metrics[key] = m
	return m
}
