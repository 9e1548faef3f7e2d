package crossdc

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sessionsync/internal/metrics"
	"sessionsync/internal/session"
	"sessionsync/internal/store"
)

// RemoteFetcher reads the authoritative copy of a session from the other
// sites. A session no site knows is (nil, nil).
type RemoteFetcher interface {
	Fetch(ctx context.Context, realmID, id string, offline bool) (*session.Session, error)
}

// ReadThrough is a Provider that answers from the local store when it can
// and otherwise fetches from remote sites once, caching what it finds.
type ReadThrough struct {
	local   *store.Store
	remote  RemoteFetcher
	logger  log.Logger
	metrics *metrics.Registry
}

var (
	_ Provider = (*ReadThrough)(nil)
	_ Provider = (*store.Store)(nil)
)

// NewReadThrough creates a read-through provider.
func NewReadThrough(
	local *store.Store,
	remote RemoteFetcher,
	logger log.Logger,
	reg *metrics.Registry,
) *ReadThrough {
	return &ReadThrough{
		local:   local,
		remote:  remote,
		logger:  log.With(logger, "component", "crossdc"),
		metrics: reg,
	}
}

// SessionWithPredicate checks the local copy first. When it is missing or
// fails pred, exactly one remote fetch is made; a remote hit is imported
// into the local store and is returned if it satisfies pred.
func (p *ReadThrough) SessionWithPredicate(
	ctx context.Context,
	realmID, id string,
	offline bool,
	pred session.Predicate,
) (*session.Session, error) {
	if local, ok := p.local.Get(realmID, id, offline); ok && pred(local) {
		p.metrics.Inc(metrics.CrossDCLocalHitsTotal)
		return local, nil
	}

	p.metrics.Inc(metrics.CrossDCRemoteFetchesTotal)
	remote, err := p.remote.Fetch(ctx, realmID, id, offline)
	if err != nil {
		p.metrics.Inc(metrics.CrossDCRemoteErrorsTotal)
		level.Warn(p.logger).Log("op", "resolve", "msg", "remote lookup failed", "realm", realmID, "session", id, "error", err)
		return nil, err
	}
	if remote == nil {
		level.Debug(p.logger).Log("op", "resolve", "msg", "session not found remotely", "realm", realmID, "session", id)
		return nil, nil
	}

	remote = p.local.Import(remote)
	if !pred(remote) {
		level.Debug(p.logger).Log("op", "resolve", "msg", "remote session does not match", "realm", realmID, "session", id)
		return nil, nil
	}
	level.Debug(p.logger).Log("op", "resolve", "msg", "session imported from remote site", "realm", realmID, "session", id)
	return remote, nil
}
