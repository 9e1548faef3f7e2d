// Package replication keeps the nodes of one site in step. Refresh batches
// only travel between sites, so every local session write is also sent to
// the other nodes of the local site.
package replication

import (
	"context"
	"encoding/json"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sessionsync/internal/cluster"
	"sessionsync/internal/listener"
	"sessionsync/internal/metrics"
	"sessionsync/internal/session"
	"sessionsync/internal/store"
)

// EventKey tags session writes replicated inside a site.
const EventKey = "sessionReplication"

// Replicator sends local session writes to the other nodes of the site.
type Replicator struct {
	nodeID    string
	publisher cluster.Publisher
	logger    log.Logger
	metrics   *metrics.Registry

	// async runs a send; tests replace it to send inline.
	async func(fn func())
}

// NewReplicator creates a Replicator publishing as nodeID.
func NewReplicator(
	nodeID string,
	publisher cluster.Publisher,
	logger log.Logger,
	reg *metrics.Registry,
) *Replicator {
	return &Replicator{
		nodeID:    nodeID,
		publisher: publisher,
		logger:    log.With(logger, "component", "replicator"),
		metrics:   reg,
		async:     func(fn func()) { go fn() },
	}
}

// Replicate sends the session to the other nodes of the local site.
// It is called after the local write succeeded and does not block the
// caller.
func (r *Replicator) Replicate(ctx context.Context, s *session.Session) {
	r.send(ctx, Payload{Session: s.Clone(), OriginNodeID: r.nodeID})
}

// ReplicateDelete tells the other nodes of the site that a session is gone.
func (r *Replicator) ReplicateDelete(ctx context.Context, realmID, id string, offline bool) {
	r.send(ctx, Payload{
		Session:      &session.Session{ID: id, RealmID: realmID, Offline: offline},
		Deleted:      true,
		OriginNodeID: r.nodeID,
	})
}

func (r *Replicator) send(ctx context.Context, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.metrics.Inc(metrics.ReplicationFailuresTotal)
		level.Error(r.logger).Log("op", "replicate", "msg", "failed to marshal replication payload", "session", payload.Session.ID, "error", err)
		return
	}

	// The request that caused the write may finish before the send does.
	ctx = context.WithoutCancel(ctx)
	r.async(func() {
		if err := r.publisher.Publish(ctx, EventKey, body, cluster.LocalSite); err != nil {
			r.metrics.Inc(metrics.ReplicationFailuresTotal)
			level.Warn(r.logger).Log("op", "replicate", "msg", "replication to site nodes failed", "session", payload.Session.ID, "error", err)
			return
		}
		r.metrics.Inc(metrics.ReplicationsSentTotal)
		level.Debug(r.logger).Log("op", "replicate", "msg", "replicated session", "session", payload.Session.ID, "deleted", payload.Deleted)
	})
}

// ApplyHandler applies replicated writes with last-write-wins on
// LastRefresh. Replicated writes are never recorded as refreshes: the
// origin node already ships them to the other sites.
type ApplyHandler struct {
	logger  log.Logger
	metrics *metrics.Registry
}

var _ listener.Handler[*Payload] = (*ApplyHandler)(nil)

func (h *ApplyHandler) Handle(_ context.Context, tx *store.Tx, p *Payload) error {
	s := p.Session
	existing, ok := tx.Get(s.RealmID, s.ID, s.Offline)

	switch {
	case p.Deleted:
		if ok {
			tx.Delete(s.RealmID, s.ID, s.Offline)
		}
	case ok && s.LastRefresh < existing.LastRefresh:
		h.metrics.Inc(metrics.ReplicationsSkippedTotal)
		level.Debug(h.logger).Log("op", "apply", "msg", "skipping stale replicated session", "session", s.ID, "origin", p.OriginNodeID)
		return nil
	default:
		tx.Put(s)
	}
	h.metrics.Inc(metrics.ReplicationsAppliedTotal)
	return nil
}

// NewListener binds an ApplyHandler to EventKey.
func NewListener(runner listener.Runner, logger log.Logger, reg *metrics.Registry) *listener.Listener[*Payload] {
	h := &ApplyHandler{
		logger:  log.With(logger, "component", "replication-apply"),
		metrics: reg,
	}
	return listener.New[*Payload](EventKey, runner, DecodePayload, h, logger, reg)
}
