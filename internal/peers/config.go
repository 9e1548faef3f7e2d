package peers

import "time"

// RetryPolicy controls retry behavior for network operations
type RetryPolicy struct {
	MaxRetries  int           //max retry attempts
	BaseBackoff time.Duration //intial backoff duration
	MaxBackoff  time.Duration // upper bound on backoff
	JitterFn    func(time.Duration) time.Duration
}

// TimeoutPolicy defines request-level timeout
type TimeoutPolicy struct {
	FetchTimeout     time.Duration // remote-site session reads
	HeartbeatTimeout time.Duration
}

// HealthPolicy defines when a peer is considered healthy or recovered,
// and what a remote read does when none is.
type HealthPolicy struct {
	FailureThreshold int //consecutive failures to mark unhealthy
	SuccessThreshold int //consecutive successes to mark healthy again

	// LastResort asks the unhealthy sites when no site is healthy. When
	// false such a read fails without a request.
	LastResort bool
}

// HeartbeatPolicy sets how often remote sites are probed.
type HeartbeatPolicy struct {
	Interval time.Duration
}

// PeerConfig is shared by the remote-site client, the heartbeat worker
// and the gossip join.
type PeerConfig struct {
	Retry     RetryPolicy
	Timeout   TimeoutPolicy
	Health    HealthPolicy
	Heartbeat HeartbeatPolicy
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		Retry: RetryPolicy{
			MaxRetries:  3,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
			JitterFn:    func(d time.Duration) time.Duration { return d / 2 }, //default jitter:50%
		},
		Timeout: TimeoutPolicy{
			FetchTimeout:     2 * time.Second,
			HeartbeatTimeout: 1 * time.Second,
		},
		Health: HealthPolicy{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			LastResort:       true,
		},
		Heartbeat: HeartbeatPolicy{
			Interval: 5 * time.Second,
		},
	}
}
