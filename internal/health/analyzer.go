// Package health turns metrics and recent logs into a node health report.
package health

import (
	"sessionsync/internal/logs"
	"sessionsync/internal/metrics"
)

// logSignalThreshold is how many matching warnings among the recent log
// entries raise a log-based signal.
const logSignalThreshold = 3

// Analyzer converts metrics + logs into a health report.
type Analyzer struct {
	metrics *metrics.Registry
	logger  *logs.Logger
	rules   []Rule
}

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(
	reg *metrics.Registry,
	logger *logs.Logger,
) *Analyzer {
	return &Analyzer{
		metrics: reg,
		logger:  logger,
		rules: []Rule{
			RefreshPublishFailureRule,
			EventFailureRule,
			PeerUnhealthyRule,
			HeartbeatFailureRule,
			RemoteFetchErrorRule,
			ReplicationFailureRule,
		},
	}
}

// Analyze evaluates metrics and logs and returns a health report.
func (ha *Analyzer) Analyze() Report {
	snapshot := ha.metrics.Snapshot()

	var (
		signals         = []string{}
		recommendations = []string{}
		status          = StatusOK
	)

	/* ---------- METRICS-BASED RULES ---------- */

	for _, rule := range ha.rules {
		result := rule(snapshot)
		if !result.Triggered {
			continue
		}

		signals = append(signals, result.Signal)
		recommendations = append(recommendations, result.Recommendation)

		// Escalate status
		if result.Severity == StatusCritical {
			status = StatusCritical
		} else if result.Severity == StatusDegraded && status == StatusOK {
			status = StatusDegraded
		}
	}

	/* ---------- LOG-BASED SIGNALS ---------- */

	logEntries := ha.logger.GetLast(100)

	publishFailures := 0
	remoteFailures := 0
	panicCount := 0

	for _, entry := range logEntries {
		switch entry.Level {
		case logs.WARN:
			switch entry.Fields["op"] {
			case "flush":
				publishFailures++
			case "resolve", "fetch":
				remoteFailures++
			}
		case logs.ERROR:
			if _, ok := entry.Fields["panic"]; ok {
				panicCount++
			}
		}
	}

	if publishFailures >= logSignalThreshold {
		signals = append(signals,
			"Repeated publish failures detected in logs",
		)
		recommendations = append(recommendations,
			"Investigate network connectivity or cluster membership",
		)
		if status == StatusOK {
			status = StatusDegraded
		}
	}

	if remoteFailures >= logSignalThreshold {
		signals = append(signals,
			"Repeated remote site lookup failures detected in logs",
		)
		recommendations = append(recommendations,
			"Check that remote sites are reachable and answering in time",
		)
		if status == StatusOK {
			status = StatusDegraded
		}
	}

	if panicCount > 0 {
		signals = append(signals,
			"Application panics detected in logs",
		)
		recommendations = append(recommendations,
			"Inspect stack traces and stabilize error handling",
		)
		status = StatusCritical
	}

	/* ---------- SUMMARY ---------- */

	summary := "System is healthy"
	if status != StatusOK {
		summary = "System health issues detected"
	}

	return Report{
		OverallStatus:   status,
		Summary:         summary,
		Signals:         signals,
		Recommendations: recommendations,
	}
}
