package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"sessionsync/internal/cluster"
	"sessionsync/internal/crossdc"
	"sessionsync/internal/logs"
	"sessionsync/internal/metrics"
	"sessionsync/internal/peers"
	"sessionsync/internal/refresh"
	"sessionsync/internal/remote"
	"sessionsync/internal/session"
	"sessionsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const now = int64(1000)

type published struct {
	key   string
	batch *refresh.Batch
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, key string, payload []byte, scope cluster.Scope) error {
	batch, err := refresh.DecodeBatch(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{key: key, batch: batch})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

// fakeReplicator records what the handlers ship to same-site nodes.
type fakeReplicator struct {
	mu      sync.Mutex
	writes  []*session.Session
	deletes []string
}

func (f *fakeReplicator) Replicate(_ context.Context, s *session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, s.Clone())
}

func (f *fakeReplicator) ReplicateDelete(_ context.Context, realmID, id string, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, realmID+"/"+id)
}

func (f *fakeReplicator) replicated() ([]*session.Session, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*session.Session(nil), f.writes...), append([]string(nil), f.deletes...)
}

type testSite struct {
	server    *httptest.Server
	store     *store.Store
	publisher *recordingPublisher
	replica   *fakeReplicator
	online    *refresh.Tracker
	offline   *refresh.Tracker
	node      *cluster.Node
}

func newSite(t *testing.T, provider func(*store.Store, *logs.Logger, *metrics.Registry) crossdc.Provider) *testSite {
	t.Helper()

	reg := metrics.NewRegistry()
	logger := logs.NewLogger(50, logs.DEBUG)
	st := store.NewStore(reg)
	pub := &recordingPublisher{}
	clock := func() int64 { return now }

	newTracker := func(key string) *refresh.Tracker {
		return refresh.NewTracker(refresh.Config{EventKey: key, MaxBatchSize: 2, MaxIntervalSeconds: 60}, pub, logger, reg, clock)
	}

	var p crossdc.Provider = st
	if provider != nil {
		p = provider(st, logger, reg)
	}

	hub := cluster.NewHub(logger)
	site := &testSite{
		node:      hub.Join("node-a1", "dc-a"),
		store:     st,
		publisher: pub,
		replica:   &fakeReplicator{},
		online:    newTracker(refresh.EventKey),
		offline:   newTracker(refresh.OfflineEventKey),
	}
	h := NewHandler(Deps{
		Store:          st,
		Resolver:       crossdc.NewResolver(p),
		OnlineTracker:  site.online,
		OfflineTracker: site.offline,
		Replicator:     site.replica,
		Metrics:        reg,
		Logger:         logger,
		Peers:          peers.NewPeerManager(peers.DefaultPeerConfig(), reg),
		Cluster:        site.node,
		Clock:          clock,
	})
	site.server = httptest.NewServer(RegisterRoutes(http.NewServeMux(), h))
	t.Cleanup(site.server.Close)
	return site
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

/* ---------------- PUT /sessions ---------------- */

func TestPutSession(t *testing.T) {
	site := newSite(t, nil)

	t.Run("ValidRequest", func(t *testing.T) {
		resp := do(t, http.MethodPut, site.server.URL+"/sessions/r1/s1",
			`{"user_id":"u1","client_sessions":{"web":{"action":"CODE_TO_TOKEN"}}}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		s := decode[session.Session](t, resp)
		assert.Equal(t, "s1", s.ID)
		assert.Equal(t, now, s.LastRefresh)
		assert.Equal(t, now, s.Started)
		require.Contains(t, s.ClientSessions, "web")
		assert.Equal(t, session.ActionCodeToToken, s.ClientSessions["web"].Action)

		assert.Equal(t, 1, site.online.Pending(), "creating a session records a refresh")

		writes, _ := site.replica.replicated()
		require.Len(t, writes, 1)
		assert.Equal(t, "s1", writes[0].ID)
	})

	t.Run("StaleWriteRejected", func(t *testing.T) {
		resp := do(t, http.MethodPut, site.server.URL+"/sessions/r1/s1", `{"user_id":"u1","last_refresh":500}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("FutureRefreshRejected", func(t *testing.T) {
		resp := do(t, http.MethodPut, site.server.URL+"/sessions/r1/s9", `{"user_id":"u1","last_refresh":4000000000}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		_, ok := site.store.Get("r1", "s9", false)
		assert.False(t, ok)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		resp := do(t, http.MethodPut, site.server.URL+"/sessions/r1/s1", `{bad-json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("OfflineGoesToOfflineTracker", func(t *testing.T) {
		resp := do(t, http.MethodPut, site.server.URL+"/sessions/r1/s2", `{"user_id":"u1","offline":true}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, 1, site.offline.Pending())
	})
}

/* ---------------- POST /sessions/{realm}/{id}/refresh ---------------- */

func TestRefreshSession(t *testing.T) {
	site := newSite(t, nil)
	site.store.Put(&session.Session{ID: "s1", RealmID: "r1", LastRefresh: 10})
	site.store.Put(&session.Session{ID: "s2", RealmID: "r1", LastRefresh: 10})

	t.Run("UnknownSession", func(t *testing.T) {
		resp := do(t, http.MethodPost, site.server.URL+"/sessions/r1/missing/refresh", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("RefreshUsesClock", func(t *testing.T) {
		resp := do(t, http.MethodPost, site.server.URL+"/sessions/r1/s1/refresh", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, now, decode[map[string]int64](t, resp)["last_refresh"])

		s, ok := site.store.Get("r1", "s1", false)
		require.True(t, ok)
		assert.Equal(t, now, s.LastRefresh)

		writes, _ := site.replica.replicated()
		require.Len(t, writes, 1, "the refreshed session goes to the other nodes of the site")
		assert.Equal(t, now, writes[0].LastRefresh)
	})

	t.Run("StaleRefreshRejected", func(t *testing.T) {
		resp := do(t, http.MethodPost, site.server.URL+"/sessions/r1/s1/refresh", `{"time":20}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("FutureRefreshRejected", func(t *testing.T) {
		resp := do(t, http.MethodPost, site.server.URL+"/sessions/r1/s2/refresh", `{"time":4000000000}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, site.publisher.all(), "nothing reaches the tracker")
	})

	t.Run("FullBatchIsPublished", func(t *testing.T) {
		resp := do(t, http.MethodPost, site.server.URL+"/sessions/r1/s2/refresh", `{"time":1001}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		sent := site.publisher.all()
		require.Len(t, sent, 1)
		assert.Equal(t, refresh.EventKey, sent[0].key)
		assert.Equal(t, 2, sent[0].batch.Len())

		e, ok := sent[0].batch.Get("s2")
		require.True(t, ok)
		assert.Equal(t, int64(1001), e.LastRefresh)
		assert.Zero(t, site.online.Pending())
	})
}

/* ---------------- GET /sessions ---------------- */

func TestGetSession(t *testing.T) {
	site := newSite(t, nil)
	site.store.Put(&session.Session{
		ID: "s1", RealmID: "r1", LastRefresh: 10,
		ClientSessions: map[string]*session.ClientSession{
			"web": {ClientID: "web", Action: session.ActionCodeToToken},
		},
	})

	cases := []struct {
		name   string
		query  string
		status int
	}{
		{"Any", "", http.StatusOK},
		{"WithClient", "?client=web", http.StatusOK},
		{"WithOtherClient", "?client=cli", http.StatusNotFound},
		{"CodeToToken", "?client=web&action=CODE_TO_TOKEN", http.StatusOK},
		{"OtherAction", "?client=web&action=AUTHENTICATE", http.StatusNotFound},
		{"OfflineNamespace", "?offline=true", http.StatusNotFound},
		{"InvalidOffline", "?offline=maybe", http.StatusBadRequest},
		{"ActionWithoutClient", "?action=CODE_TO_TOKEN", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodGet, site.server.URL+"/sessions/r1/s1"+tc.query, "")
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestGetSession_FallsBackToRemoteSite(t *testing.T) {
	siteA := newSite(t, nil)
	siteA.store.Put(&session.Session{
		ID: "s1", RealmID: "r1", LastRefresh: 10,
		ClientSessions: map[string]*session.ClientSession{"web": {ClientID: "web"}},
	})

	siteB := newSite(t, func(st *store.Store, logger *logs.Logger, reg *metrics.Registry) crossdc.Provider {
		cfg := peers.DefaultPeerConfig()
		client := remote.NewClient([]string{siteA.server.URL}, peers.NewPeerManager(cfg, reg), cfg, logger)
		return crossdc.NewReadThrough(st, client, logger, reg)
	})

	resp := do(t, http.MethodGet, siteB.server.URL+"/sessions/r1/s1?client=web", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", decode[session.Session](t, resp).ID)

	_, ok := siteB.store.Get("r1", "s1", false)
	assert.True(t, ok, "remote copy is cached locally")
}

/* ---------------- DELETE /sessions ---------------- */

func TestDeleteSession(t *testing.T) {
	site := newSite(t, nil)
	site.store.Put(&session.Session{ID: "s1", RealmID: "r1"})

	resp := do(t, http.MethodDelete, site.server.URL+"/sessions/r1/s1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, site.server.URL+"/sessions/r1/s1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, deletes := site.replica.replicated()
	assert.Equal(t, []string{"r1/s1"}, deletes, "only the successful delete is replicated")
}

/* ---------------- site-to-site ---------------- */

func TestInternalEndpoints(t *testing.T) {
	site := newSite(t, nil)
	site.store.Put(&session.Session{ID: "s1", RealmID: "r1", Offline: true})

	t.Run("LocalSession", func(t *testing.T) {
		resp := do(t, http.MethodGet, site.server.URL+"/internal/sessions/r1/s1?offline=true", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode[session.Session](t, resp).Offline)
	})

	t.Run("LocalMiss", func(t *testing.T) {
		resp := do(t, http.MethodGet, site.server.URL+"/internal/sessions/r1/s1", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Heartbeat", func(t *testing.T) {
		resp := do(t, http.MethodGet, site.server.URL+peers.HeartbeatPath, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

/* ---------------- admin ---------------- */

func TestAdminEndpoints(t *testing.T) {
	site := newSite(t, nil)
	do(t, http.MethodPut, site.server.URL+"/sessions/r1/s1", `{"user_id":"u1"}`)

	t.Run("ListSessions", func(t *testing.T) {
		resp := do(t, http.MethodGet, site.server.URL+"/admin/sessions", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, decode[[]session.Session](t, resp), 1)
	})

	t.Run("Flush", func(t *testing.T) {
		require.Equal(t, 1, site.online.Pending())

		resp := do(t, http.MethodPost, site.server.URL+"/admin/flush", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 0, decode[map[string]int](t, resp)["online_pending"])

		sent := site.publisher.all()
		require.Len(t, sent, 1)
		assert.Equal(t, 1, sent[0].batch.Len())
	})

	t.Run("JSONMetrics", func(t *testing.T) {
		resp := do(t, http.MethodGet, site.server.URL+"/admin/metrics", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data := decode[map[string]int64](t, resp)
		assert.Equal(t, int64(1), data[string(metrics.SessionPutsTotal)])
		assert.Equal(t, int64(1), data[string(metrics.RefreshFlushesTotal)])
	})

	t.Run("Peers", func(t *testing.T) {
		resp := do(t, http.MethodGet, site.server.URL+"/admin/peers", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Sites       []peers.Peer      `json:"sites"`
			Members     []peers.Peer      `json:"members"`
			MemberSites map[string]string `json:"member_sites"`
		}](t, resp)
		assert.NotNil(t, body.Sites)
		assert.NotNil(t, body.Members)
		assert.Equal(t, map[string]string{"node-a1": "dc-a"}, body.MemberSites)
	})
}

/* ---------------- observability ---------------- */

func TestPrometheusMetrics(t *testing.T) {
	site := newSite(t, nil)
	do(t, http.MethodPut, site.server.URL+"/sessions/r1/s1", `{"user_id":"u1"}`)

	resp := do(t, http.MethodGet, site.server.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sessionsync_session_puts_total 1")
}

func TestGetHealth(t *testing.T) {
	site := newSite(t, nil)

	resp := do(t, http.MethodGet, site.server.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := decode[map[string]interface{}](t, resp)
	assert.Contains(t, report, "overall_status")
	assert.Contains(t, report, "summary")
	assert.Contains(t, report, "signals")
	assert.Contains(t, report, "recommendations")
}

/* ---------------- Route validation ---------------- */

func TestRouteValidation(t *testing.T) {
	site := newSite(t, nil)

	t.Run("MethodNotAllowed", func(t *testing.T) {
		resp := do(t, http.MethodPost, site.server.URL+"/sessions/r1/s1", "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("UnknownRoute", func(t *testing.T) {
		resp := do(t, http.MethodGet, site.server.URL+"/kv/key1", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
