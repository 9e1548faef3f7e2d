package store

import (
	"context"
	"sort"
	"sync"

	"sessionsync/internal/metrics"
	"sessionsync/internal/session"
)

// key identifies a session. Online and offline sessions live in separate
// namespaces, as they do in the cluster.
type key struct {
	offline bool
	realmID string
	id      string
}

func keyOf(s *session.Session) key {
	return key{offline: s.Offline, realmID: s.RealmID, id: s.ID}
}

// Store is a concurrency-safe in-memory session store for one site.
//
// Design principles:
// - Safe for concurrent access using RWMutex
// - Last-Write-Wins (LWW) on LastRefresh
// - Sessions handed out are copies; callers never alias stored state
type Store struct {
	mu      sync.RWMutex
	data    map[key]*session.Session
	metrics *metrics.Registry
}

// NewStore initializes and returns a new Store.
func NewStore(metricsRegistry *metrics.Registry) *Store {
	return &Store{
		data:    make(map[key]*session.Session),
		metrics: metricsRegistry,
	}
}

// Put inserts or replaces a session using Last-Write-Wins semantics.
//
// Rules:
// - If the session does not exist, insert it.
// - If it exists, overwrite unless the incoming LastRefresh is older.
func (s *Store) Put(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putLocked(sess.Clone())
}

func (s *Store) putLocked(sess *session.Session) bool {
	s.metrics.Inc(metrics.SessionPutsTotal)

	k := keyOf(sess)
	existing, exists := s.data[k]
	if exists && sess.LastRefresh < existing.LastRefresh {
		return false
	}
	if !exists {
		s.metrics.Add(metrics.SessionsActive, 1)
	}
	s.data[k] = sess
	return true
}

// Get returns a copy of the session, if present.
func (s *Store) Get(realmID, id string, offline bool) (*session.Session, bool) {
	s.metrics.Inc(metrics.SessionGetsTotal)

	s.mu.RLock()
	sess, ok := s.data[key{offline: offline, realmID: realmID, id: id}]
	s.mu.RUnlock()

	if !ok {
		s.metrics.Inc(metrics.SessionMissesTotal)
		return nil, false
	}
	return sess.Clone(), true
}

// SessionWithPredicate is the local-only lookup: the session is returned
// when it exists here and satisfies pred.
func (s *Store) SessionWithPredicate(
	_ context.Context,
	realmID, id string,
	offline bool,
	pred session.Predicate,
) (*session.Session, error) {
	sess, ok := s.Get(realmID, id, offline)
	if !ok || !pred(sess) {
		return nil, nil
	}
	return sess, nil
}

// UpdateLastRefresh moves LastRefresh forward. It reports false when the
// session is unknown or refreshTime is not newer.
func (s *Store) UpdateLastRefresh(realmID, id string, offline bool, refreshTime int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[key{offline: offline, realmID: realmID, id: id}]
	if !ok || refreshTime <= sess.LastRefresh {
		return false
	}
	updated := sess.Clone()
	updated.LastRefresh = refreshTime
	s.data[keyOf(updated)] = updated
	return true
}

// Import stores a copy fetched from another site. The remote content
// replaces the local one, but LastRefresh never moves backwards: a local
// copy refreshed more recently keeps its own time. The stored session is
// returned.
func (s *Store) Import(sess *session.Session) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := sess.Clone()
	if existing, ok := s.data[keyOf(merged)]; ok && existing.LastRefresh > merged.LastRefresh {
		merged.LastRefresh = existing.LastRefresh
	}
	s.putLocked(merged)
	return merged.Clone()
}

// Delete removes a session from the store.
func (s *Store) Delete(realmID, id string, offline bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteLocked(key{offline: offline, realmID: realmID, id: id})
}

func (s *Store) deleteLocked(k key) bool {
	if _, ok := s.data[k]; !ok {
		return false
	}
	delete(s.data, k)
	s.metrics.Add(metrics.SessionsActive, -1)
	return true
}

// List returns a snapshot of all sessions ordered by realm, then id.
// Used by admin APIs.
func (s *Store) List() []*session.Session {
	s.mu.RLock()
	out := make([]*session.Session, 0, len(s.data))
	for _, sess := range s.data {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RealmID != out[j].RealmID {
			return out[i].RealmID < out[j].RealmID
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return !out[i].Offline && out[j].Offline
	})
	return out
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// RemoveIdle removes every session whose LastRefresh is older than the
// idle timeout for its kind. A timeout <= 0 disables expiry for that kind.
//
// This will be used by the background TTL cleaner.
func (s *Store) RemoveIdle(now, idleTimeout, offlineIdleTimeout int64) int {
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, sess := range s.data {
		timeout := idleTimeout
		if k.offline {
			timeout = offlineIdleTimeout
		}
		if timeout <= 0 || now-sess.LastRefresh < timeout {
			continue
		}
		delete(s.data, k)
		removed++
	}

	if removed > 0 {
		s.metrics.Add(metrics.SessionsExpiredTotal, int64(removed))
		s.metrics.Add(metrics.SessionsActive, -int64(removed))
	}

	return removed
}
