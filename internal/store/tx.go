package store

import (
	"context"

	"github.com/pkg/errors"

	"sessionsync/internal/metrics"
	"sessionsync/internal/session"
)

// Tx is a scoped unit of work over the store. It sees a consistent view:
// the store is locked for the whole scope, and writes are staged until the
// work function returns nil.
type Tx struct {
	store  *Store
	staged map[key]*session.Session // nil value = delete
}

// RunInTransaction runs fn in a unit of work. Staged writes are committed
// when fn returns nil and discarded when it returns an error or panics.
// The store lock is released on every path.
//
// fn must not call Store methods directly; use the Tx.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Inc(metrics.TransactionsTotal)

	tx := &Tx{store: s, staged: make(map[key]*session.Session)}
	committed := false
	defer func() {
		if !committed {
			s.metrics.Inc(metrics.TransactionRollbacksTotal)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	committed = true
	return nil
}

func (tx *Tx) lookup(k key) (*session.Session, bool) {
	if sess, ok := tx.staged[k]; ok {
		return sess, sess != nil
	}
	sess, ok := tx.store.data[k]
	return sess, ok
}

// Get returns a copy of the session as seen by this unit of work.
func (tx *Tx) Get(realmID, id string, offline bool) (*session.Session, bool) {
	sess, ok := tx.lookup(key{offline: offline, realmID: realmID, id: id})
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Put stages a session write.
func (tx *Tx) Put(sess *session.Session) {
	tx.staged[keyOf(sess)] = sess.Clone()
}

// Delete stages a removal.
func (tx *Tx) Delete(realmID, id string, offline bool) {
	tx.staged[key{offline: offline, realmID: realmID, id: id}] = nil
}

// UpdateLastRefresh stages a LastRefresh bump. It reports false when the
// session is unknown or refreshTime is not newer.
func (tx *Tx) UpdateLastRefresh(realmID, id string, offline bool, refreshTime int64) bool {
	sess, ok := tx.lookup(key{offline: offline, realmID: realmID, id: id})
	if !ok || refreshTime <= sess.LastRefresh {
		return false
	}
	updated := sess.Clone()
	updated.LastRefresh = refreshTime
	tx.staged[keyOf(updated)] = updated
	return true
}

func (tx *Tx) commit() {
	for k, sess := range tx.staged {
		if sess == nil {
			tx.store.deleteLocked(k)
			continue
		}
		tx.store.putLocked(sess)
	}
}
