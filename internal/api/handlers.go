package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"sessionsync/internal/crossdc"
	"sessionsync/internal/health"
	"sessionsync/internal/logs"
	"sessionsync/internal/metrics"
	"sessionsync/internal/peers"
	"sessionsync/internal/session"
	"sessionsync/internal/store"
)

// Tracker records refreshes for one kind of session.
type Tracker interface {
	Record(ctx context.Context, sessionID, realmID string, refreshTime int64)
	Drain(ctx context.Context)
	Pending() int
}

// maxClockSkew bounds how far past the node's clock a client-supplied
// refresh time may lie.
const maxClockSkew = 60

var (
	errNotFound = errors.New("session not found")
	errStale    = errors.New("refresh time is not newer than the stored one")
	errFuture   = errors.New("refresh time is too far in the future")
)

// Replicator ships local session writes to the other nodes of the site.
type Replicator interface {
	Replicate(ctx context.Context, s *session.Session)
	ReplicateDelete(ctx context.Context, realmID, id string, offline bool)
}

type nopReplicator struct{}

func (nopReplicator) Replicate(context.Context, *session.Session)           {}
func (nopReplicator) ReplicateDelete(context.Context, string, string, bool) {}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Store          *store.Store
	Resolver       *crossdc.Resolver
	OnlineTracker  Tracker
	OfflineTracker Tracker
	Replicator     Replicator
	Metrics        *metrics.Registry
	Logger         *logs.Logger
	Peers          *peers.PeerManager
	Members        *peers.PeerManager
	Cluster        MemberLister
	Clock          func() int64
}

// MemberLister reports the live cluster nodes and their sites.
type MemberLister interface {
	Members() map[string]string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	resolver   *crossdc.Resolver
	trackers   map[bool]Tracker // keyed by offline
	replicator Replicator
	metrics    *metrics.Registry
	analyzer   *health.Analyzer
	peers      *peers.PeerManager
	members    *peers.PeerManager
	cluster    MemberLister
	clock      func() int64
	logger     log.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	clock := d.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().Unix() }
	}
	replicator := d.Replicator
	if replicator == nil {
		replicator = nopReplicator{}
	}
	return &Handler{
		store:      d.Store,
		resolver:   d.Resolver,
		trackers:   map[bool]Tracker{false: d.OnlineTracker, true: d.OfflineTracker},
		replicator: replicator,
		metrics:    d.Metrics,
		analyzer:   health.NewAnalyzer(d.Metrics, d.Logger),
		peers:      d.Peers,
		members:    d.Members,
		cluster:    d.Cluster,
		clock:      clock,
		logger:     log.With(d.Logger, "component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func offlineParam(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("offline")
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

/* ---------------- PUT /sessions/{realm}/{id} ---------------- */

type clientSessionRequest struct {
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type putRequest struct {
	UserID         string                          `json:"user_id"`
	Offline        bool                            `json:"offline"`
	Started        int64                           `json:"started,omitempty"`
	LastRefresh    int64                           `json:"last_refresh,omitempty"`
	ClientSessions map[string]clientSessionRequest `json:"client_sessions,omitempty"`
}

func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	realmID, id := r.PathValue("realm"), r.PathValue("id")

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	now := h.clock()
	s := &session.Session{
		ID:          id,
		RealmID:     realmID,
		UserID:      req.UserID,
		Offline:     req.Offline,
		Started:     req.Started,
		LastRefresh: req.LastRefresh,
	}
	if s.Started == 0 {
		s.Started = now
	}
	if s.LastRefresh == 0 {
		s.LastRefresh = now
	}
	if s.LastRefresh > now+maxClockSkew {
		http.Error(w, errFuture.Error(), http.StatusBadRequest)
		return
	}
	if len(req.ClientSessions) > 0 {
		s.ClientSessions = make(map[string]*session.ClientSession, len(req.ClientSessions))
		for clientID, cs := range req.ClientSessions {
			ts := cs.Timestamp
			if ts == 0 {
				ts = now
			}
			s.ClientSessions[clientID] = &session.ClientSession{ClientID: clientID, Action: cs.Action, Timestamp: ts}
		}
	}

	if !h.store.Put(s) {
		http.Error(w, errStale.Error(), http.StatusConflict)
		return
	}
	h.trackers[s.Offline].Record(r.Context(), s.ID, s.RealmID, s.LastRefresh)
	h.replicator.Replicate(r.Context(), s)

	writeJSON(w, http.StatusCreated, s)
}

/* ---------------- POST /sessions/{realm}/{id}/refresh ---------------- */

type refreshRequest struct {
	Offline bool  `json:"offline"`
	Time    int64 `json:"time,omitempty"`
}

func (h *Handler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	realmID, id := r.PathValue("realm"), r.PathValue("id")

	var req refreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}
	if now := h.clock(); req.Time == 0 {
		req.Time = now
	} else if req.Time > now+maxClockSkew {
		http.Error(w, errFuture.Error(), http.StatusBadRequest)
		return
	}

	var refreshed *session.Session
	err := h.store.RunInTransaction(r.Context(), func(tx *store.Tx) error {
		if _, ok := tx.Get(realmID, id, req.Offline); !ok {
			return errNotFound
		}
		if !tx.UpdateLastRefresh(realmID, id, req.Offline, req.Time) {
			return errStale
		}
		refreshed, _ = tx.Get(realmID, id, req.Offline)
		return nil
	})
	switch errors.Cause(err) {
	case nil:
	case errNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errStale:
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		level.Error(h.logger).Log("op", "refresh", "msg", "refresh failed", "session", id, "error", err)
		http.Error(w, "refresh failed", http.StatusInternalServerError)
		return
	}

	h.trackers[req.Offline].Record(r.Context(), id, realmID, req.Time)
	h.replicator.Replicate(r.Context(), refreshed)
	writeJSON(w, http.StatusOK, map[string]int64{"last_refresh": req.Time})
}

/* ---------------- GET /sessions/{realm}/{id} ---------------- */

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	realmID, id := r.PathValue("realm"), r.PathValue("id")

	offline, err := offlineParam(r)
	if err != nil {
		http.Error(w, "invalid offline flag", http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client")
	action := r.URL.Query().Get("action")
	if action != "" && clientID == "" {
		http.Error(w, "action requires client", http.StatusBadRequest)
		return
	}

	var s *session.Session
	switch {
	case clientID == "":
		s, err = h.resolver.Resolve(r.Context(), realmID, id, offline, session.Any)
	case action == "":
		s, err = h.resolver.SessionWithClient(r.Context(), realmID, id, offline, clientID)
	case action == session.ActionCodeToToken && !offline:
		s, err = h.resolver.SessionWithClientAndCodeToTokenAction(r.Context(), realmID, id, clientID)
	default:
		s, err = h.resolver.Resolve(r.Context(), realmID, id, offline, session.HasClientAction(clientID, action))
	}
	if err != nil {
		level.Warn(h.logger).Log("op", "get", "msg", "session lookup failed", "session", id, "error", err)
		http.Error(w, "session lookup failed", http.StatusBadGateway)
		return
	}
	if s == nil {
		http.Error(w, errNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

/* ---------------- DELETE /sessions/{realm}/{id} ---------------- */

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	offline, err := offlineParam(r)
	if err != nil {
		http.Error(w, "invalid offline flag", http.StatusBadRequest)
		return
	}
	realmID, id := r.PathValue("realm"), r.PathValue("id")
	if !h.store.Delete(realmID, id, offline) {
		http.Error(w, errNotFound.Error(), http.StatusNotFound)
		return
	}
	h.replicator.ReplicateDelete(r.Context(), realmID, id, offline)
	w.WriteHeader(http.StatusNoContent)
}

/* ---------------- GET /internal/sessions/{realm}/{id} ---------------- */

// GetLocalSession never leaves this site; remote sites call it from their
// read-through fallback.
func (h *Handler) GetLocalSession(w http.ResponseWriter, r *http.Request) {
	offline, err := offlineParam(r)
	if err != nil {
		http.Error(w, "invalid offline flag", http.StatusBadRequest)
		return
	}
	s, ok := h.store.Get(r.PathValue("realm"), r.PathValue("id"), offline)
	if !ok {
		http.Error(w, errNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

/* ---------------- GET /internal/heartbeat ---------------- */

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

/* ---------------- GET /admin/sessions ---------------- */

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.List())
}

/* ---------------- POST /admin/flush ---------------- */

func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	online, offline := h.trackers[false], h.trackers[true]
	online.Drain(r.Context())
	offline.Drain(r.Context())

	writeJSON(w, http.StatusOK, map[string]int{
		"online_pending":  online.Pending(),
		"offline_pending": offline.Pending(),
	})
}

/* ---------------- GET /admin/metrics ---------------- */

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

/* ---------------- GET /admin/peers ---------------- */

type peersResponse struct {
	Sites       []peers.Peer      `json:"sites"`
	Members     []peers.Peer      `json:"members"`
	MemberSites map[string]string `json:"member_sites"`
}

func (h *Handler) GetPeers(w http.ResponseWriter, r *http.Request) {
	resp := peersResponse{Sites: []peers.Peer{}, Members: []peers.Peer{}, MemberSites: map[string]string{}}
	if h.peers != nil {
		resp.Sites = h.peers.Snapshot()
	}
	if h.members != nil {
		resp.Members = h.members.Snapshot()
	}
	if h.cluster != nil {
		resp.MemberSites = h.cluster.Members()
	}
	writeJSON(w, http.StatusOK, resp)
}

/* ---------------- GET /health ---------------- */

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.analyzer.Analyze())
}
