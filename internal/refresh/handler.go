package refresh

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sessionsync/internal/listener"
	"sessionsync/internal/metrics"
	"sessionsync/internal/store"
)

// MergeHandler applies refresh batches received from other sites to the
// local sessions of one kind (online or offline).
type MergeHandler struct {
	offline bool
	logger  log.Logger
	metrics *metrics.Registry
}

var _ listener.Handler[*Batch] = (*MergeHandler)(nil)

// NewMergeHandler creates a handler for online or offline sessions.
func NewMergeHandler(offline bool, logger log.Logger, reg *metrics.Registry) *MergeHandler {
	return &MergeHandler{
		offline: offline,
		logger:  log.With(logger, "component", "refresh-merge", "offline", offline),
		metrics: reg,
	}
}

// Handle moves LastRefresh forward for every session this site knows.
// Sessions unknown here, or already refreshed later, are skipped.
func (h *MergeHandler) Handle(_ context.Context, tx *store.Tx, batch *Batch) error {
	applied, skipped := 0, 0
	for _, e := range batch.Entries() {
		if tx.UpdateLastRefresh(e.RealmID, e.SessionID, h.offline, e.LastRefresh) {
			applied++
		} else {
			skipped++
		}
	}

	h.metrics.Inc(metrics.RefreshBatchesAppliedTotal)
	h.metrics.Add(metrics.RefreshEntriesAppliedTotal, int64(applied))
	h.metrics.Add(metrics.RefreshEntriesSkippedTotal, int64(skipped))
	level.Debug(h.logger).Log("op", "merge", "msg", "applied last session refreshes", "applied", applied, "skipped", skipped)
	return nil
}

// NewListener wires a MergeHandler to the given event key.
func NewListener(
	key string,
	offline bool,
	runner listener.Runner,
	logger log.Logger,
	reg *metrics.Registry,
) *listener.Listener[*Batch] {
	return listener.New[*Batch](key, runner, DecodeBatch, NewMergeHandler(offline, logger, reg), logger, reg)
}
