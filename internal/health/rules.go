package health

import "sessionsync/internal/metrics"

// RuleResult represents the outcome of a single rule.
type RuleResult struct {
	Triggered      bool
	Signal         string
	Recommendation string
	Severity       Status
}

// Rule evaluates a metrics snapshot.
type Rule func(snapshot map[string]int64) RuleResult

// ---------- RULES ----------

// Failed refresh publishes mean other sites see stale refresh times until
// the next refresh of the affected sessions.
func RefreshPublishFailureRule(snapshot map[string]int64) RuleResult {
	failures := snapshot[string(metrics.RefreshPublishFailuresTotal)]

	if failures > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Refresh batch publishes failed",
			Recommendation: "Check gossip connectivity between sites",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Inbound events that could not be applied.
func EventFailureRule(snapshot map[string]int64) RuleResult {
	failures := snapshot[string(metrics.EventFailuresTotal)]

	if failures > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Inbound cluster events failed",
			Recommendation: "Look for decode errors or version skew between sites",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Unhealthy peers indicate cluster instability.
func PeerUnhealthyRule(snapshot map[string]int64) RuleResult {
	unhealthy := snapshot[string(metrics.PeersUnhealthy)] +
		snapshot[string(metrics.ClusterMembersUnhealthy)]

	if unhealthy > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "One or more peers are unhealthy",
			Recommendation: "Inspect peer health and heartbeat configuration",
			Severity:       StatusCritical,
		}
	}
	return RuleResult{}
}

// Frequent heartbeat failures indicate liveness issues.
func HeartbeatFailureRule(snapshot map[string]int64) RuleResult {
	failures := snapshot[string(metrics.HeartbeatFailuresTotal)]

	if failures > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Heartbeat failures detected",
			Recommendation: "Check peer availability and heartbeat endpoints",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Remote lookups that errored fall through to the caller.
func RemoteFetchErrorRule(snapshot map[string]int64) RuleResult {
	errs := snapshot[string(metrics.CrossDCRemoteErrorsTotal)]

	if errs > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Cross-site session lookups failed",
			Recommendation: "Check remote site URLs and fetch timeouts",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Same-site nodes that missed a write serve an older copy until the next
// write of that session.
func ReplicationFailureRule(snapshot map[string]int64) RuleResult {
	if snapshot[string(metrics.ReplicationFailuresTotal)] > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Same-site replication failed",
			Recommendation: "Check gossip connectivity between nodes of this site",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}
