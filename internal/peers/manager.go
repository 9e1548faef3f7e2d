package peers

import (
	"sort"
	"sync"

	"sessionsync/internal/metrics"
)

// PeerState represents the health state of a peer.
type PeerState int

const (
	Healthy PeerState = iota
	Unhealthy
)

func (s PeerState) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Peer tracks the health-related state for a single peer
type Peer struct {
	Address      string    `json:"address"`
	State        PeerState `json:"-"`
	Status       string    `json:"status"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
}

// PeerManager manages the health state of multiple peers
type PeerManager struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	config  PeerConfig
	metrics *metrics.Registry

	healthyGauge, unhealthyGauge metrics.MetricKey
}

// NewPeerManager creates a new PeerManager
func NewPeerManager(cfg PeerConfig, reg *metrics.Registry) *PeerManager {
	return &PeerManager{
		peers:   make(map[string]*Peer),
		config:  cfg,
		metrics: reg,

		healthyGauge:   metrics.PeersHealthy,
		unhealthyGauge: metrics.PeersUnhealthy,
	}
}

// WithGauges makes the manager publish its health counts under other keys,
// so that several managers can share one registry.
func (pm *PeerManager) WithGauges(healthy, unhealthy metrics.MetricKey) *PeerManager {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.healthyGauge, pm.unhealthyGauge = healthy, unhealthy
	return pm
}

// AddPeer registers a new Peer
func (pm *PeerManager) AddPeer(addr string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.peers[addr]; !exists {
		pm.peers[addr] = &Peer{
			Address: addr,
			State:   Healthy,
		}
		pm.publishLocked()
	}
}

// RemovePeer forgets a peer, e.g. after it left the cluster.
func (pm *PeerManager) RemovePeer(addr string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.peers[addr]; exists {
		delete(pm.peers, addr)
		pm.publishLocked()
	}
}

// MarkFailure marks a peer as failed
func (pm *PeerManager) MarkFailure(addr string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	peer, ok := pm.peers[addr]
	if !ok {
		return
	}
	pm.metrics.Inc(metrics.PeerFailuresTotal)
	peer.FailureCount++
	peer.SuccessCount = 0
	if peer.FailureCount >= pm.config.Health.FailureThreshold {
		peer.State = Unhealthy
	}
	pm.publishLocked()
}

// MarkSuccess marks a peer as successful
func (pm *PeerManager) MarkSuccess(addr string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	peer, ok := pm.peers[addr]
	if !ok {
		return
	}
	peer.SuccessCount++
	peer.FailureCount = 0
	if peer.SuccessCount >= pm.config.Health.SuccessThreshold {
		peer.State = Healthy
	}
	pm.publishLocked()
}

func (pm *PeerManager) IsHealthy(addr string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	peer, ok := pm.peers[addr]
	return ok && peer.State == Healthy
}

// GetPeers returns every known peer address, sorted.
func (pm *PeerManager) GetPeers() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]string, 0, len(pm.peers))
	for addr := range pm.peers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// HealthyPeers returns the addresses currently considered healthy, in the
// order they are listed in addrs. Unknown addresses are skipped.
func (pm *PeerManager) HealthyPeers(addrs []string) []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if peer, ok := pm.peers[addr]; ok && peer.State == Healthy {
			out = append(out, addr)
		}
	}
	return out
}

// Snapshot returns a copy of every peer's state for admin APIs.
func (pm *PeerManager) Snapshot() []Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		cp := *p
		cp.Status = p.State.String()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// publishLocked refreshes the health gauges. Must be called with pm.mu held.
func (pm *PeerManager) publishLocked() {
	healthy, unhealthy := 0, 0
	for _, p := range pm.peers {
		if p.State == Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	pm.metrics.Set(pm.healthyGauge, int64(healthy))
	pm.metrics.Set(pm.unhealthyGauge, int64(unhealthy))
}
