// Package crossdc resolves sessions whose local copy may lag the copy held
// by another site.
package crossdc

import (
	"context"

	"sessionsync/internal/session"
)

// Provider looks a session up and returns it only if it satisfies pred.
// A missing or non-matching session is (nil, nil).
type Provider interface {
	SessionWithPredicate(
		ctx context.Context,
		realmID, id string,
		offline bool,
		pred session.Predicate,
	) (*session.Session, error)
}

// Resolver narrows request-handling call sites into predicates over one
// shared provider, which owns the local-first/remote-fallback policy.
type Resolver struct {
	provider Provider
}

// NewResolver creates a resolver backed by provider.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

// Resolve returns the session if it satisfies pred. Provider errors are
// returned unchanged.
func (r *Resolver) Resolve(
	ctx context.Context,
	realmID, id string,
	offline bool,
	pred session.Predicate,
) (*session.Session, error) {
	return r.provider.SessionWithPredicate(ctx, realmID, id, offline, pred)
}

// SessionWithClient returns the session if clientID has a client session
// attached to it.
func (r *Resolver) SessionWithClient(
	ctx context.Context,
	realmID, id string,
	offline bool,
	clientID string,
) (*session.Session, error) {
	return r.Resolve(ctx, realmID, id, offline, session.HasClient(clientID))
}

// SessionWithClientAndCodeToTokenAction returns the online session if the
// client session of clientID is waiting for its code to be exchanged.
func (r *Resolver) SessionWithClientAndCodeToTokenAction(
	ctx context.Context,
	realmID, id string,
	clientID string,
) (*session.Session, error) {
	return r.Resolve(ctx, realmID, id, false, session.HasClientAction(clientID, session.ActionCodeToToken))
}
