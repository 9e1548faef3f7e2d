package metrics

import (
	dto "github.com/prometheus/client_model/go"
)

// Snapshot returns a deep copy of all metrics.
// Safe for concurrent use and immune to external mutation.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.metrics))
	for key, m := range r.metrics {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		switch {
		case pb.Counter != nil:
			out[string(key)] = int64(pb.Counter.GetValue())
		case pb.Gauge != nil:
			out[string(key)] = int64(pb.Gauge.GetValue())
		}
	}
	return out
}
