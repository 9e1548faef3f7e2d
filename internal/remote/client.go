// Package remote reads sessions from the other sites over HTTP.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"sessionsync/internal/peers"
	"sessionsync/internal/session"
)

// SessionPath is the local-only lookup every site serves for the others.
const SessionPath = "/internal/sessions/"

var errNoHealthySite = errors.New("no healthy remote site")

// Client asks remote sites for sessions they own. Sites are tried in the
// configured order; the first one that knows the session wins.
type Client struct {
	sites      []string
	manager    *peers.PeerManager
	client     *http.Client
	lastResort bool
	logger     log.Logger
}

// NewClient creates a client for the given site base URLs. Every site is
// registered with manager so that heartbeats and fetches share health.
func NewClient(
	sites []string,
	manager *peers.PeerManager,
	cfg peers.PeerConfig,
	logger log.Logger,
) *Client {
	for _, site := range sites {
		manager.AddPeer(site)
	}
	return &Client{
		sites:      append([]string(nil), sites...),
		manager:    manager,
		client:     &http.Client{Timeout: cfg.Timeout.FetchTimeout},
		lastResort: cfg.Health.LastResort,
		logger:     log.With(logger, "component", "remote-client"),
	}
}

// Fetch returns the session from the first healthy site that has it, or
// nil when none does. Errors are returned only when no site answered with
// the session; they are aggregated across sites. When every site is marked
// unhealthy the read either asks all of them (the last-resort policy) or
// fails, so an outage never looks like a missing session.
func (c *Client) Fetch(ctx context.Context, realmID, id string, offline bool) (*session.Session, error) {
	var result *multierror.Error

	candidates := c.manager.HealthyPeers(c.sites)
	if len(candidates) == 0 && len(c.sites) > 0 {
		if !c.lastResort {
			return nil, errNoHealthySite
		}
		level.Warn(c.logger).Log("op", "fetch", "msg", "no healthy remote site, trying all", "sites", len(c.sites))
		candidates = c.sites
	}
	for _, site := range candidates {
		s, err := c.fetchFrom(ctx, site, realmID, id, offline)
		if err != nil {
			c.manager.MarkFailure(site)
			level.Warn(c.logger).Log("op", "fetch", "msg", "remote fetch failed", "site", site, "session", id, "error", err)
			result = multierror.Append(result, err)
			continue
		}
		c.manager.MarkSuccess(site)
		if s != nil {
			level.Debug(c.logger).Log("op", "fetch", "msg", "session found remotely", "site", site, "session", id)
			return s, nil
		}
	}
	return nil, result.ErrorOrNil()
}

func (c *Client) fetchFrom(ctx context.Context, site, realmID, id string, offline bool) (*session.Session, error) {
	u := site + SessionPath + url.PathEscape(realmID) + "/" + url.PathEscape(id) +
		"?offline=" + strconv.FormatBool(offline)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", site)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get session from %s", site)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, errors.Errorf("site %s answered %s", site, resp.Status)
	}

	var s session.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, errors.Wrapf(err, "decode session from %s", site)
	}
	if s.ID != id || s.RealmID != realmID || s.Offline != offline {
		return nil, errors.Errorf("site %s returned session %s/%s offline=%t", site, s.RealmID, s.ID, s.Offline)
	}
	// A JSON null client session carries nothing to attach.
	return s.Clone(), nil
}
