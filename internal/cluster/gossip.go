package cluster

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"

	"sessionsync/internal/metrics"
	"sessionsync/internal/peers"
)

// GossipConfig configures the memberlist transport.
type GossipConfig struct {
	NodeName  string
	Site      string
	BindAddr  string
	BindPort  int
	Seeds     []string
	SecretKey string
	// QueueSize bounds the inbound queue; messages beyond it are dropped.
	QueueSize int
	Join      peers.RetryPolicy
}

// Gossip is a Channel over hashicorp/memberlist. Every node advertises its
// site in the memberlist node metadata; events go point-to-point over the
// reliable (TCP) path.
type Gossip struct {
	subscriptions

	cfg     GossipConfig
	logger  log.Logger
	peers   *peers.PeerManager
	metrics *metrics.Registry

	ml      *memberlist.Memberlist
	join    func(seeds []string) (int, error)
	retrier *peers.Retrier
	inbox   chan Message
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ Channel = (*Gossip)(nil)

// NewGossip creates the memberlist instance and starts the inbound
// dispatcher. Call Join to contact seeds and Stop to leave.
func NewGossip(
	cfg GossipConfig,
	logger log.Logger,
	peerManager *peers.PeerManager,
	reg *metrics.Registry,
) (*Gossip, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	g := newGossip(cfg, logger, peerManager, reg)

	mconfig := memberlist.DefaultWANConfig()
	mconfig.Name = cfg.NodeName
	mconfig.BindAddr = cfg.BindAddr
	mconfig.BindPort = cfg.BindPort
	mconfig.AdvertisePort = cfg.BindPort
	mconfig.Delegate = &delegate{g: g}
	mconfig.Events = &eventDelegate{g: g}
	mconfig.Logger = newMemberlistLogger(g.logger)
	if cfg.SecretKey == "" {
		level.Warn(g.logger).Log("op", "startup", "msg", "no secret key set, gossip traffic will not be encrypted")
	} else {
		sum := sha256.Sum256([]byte(cfg.SecretKey))
		mconfig.SecretKey = sum[:16]
	}

	ml, err := memberlist.Create(mconfig)
	if err != nil {
		return nil, errors.Wrap(err, "create memberlist")
	}
	g.ml = ml

	g.wg.Add(1)
	go g.dispatchLoop()

	return g, nil
}

func newGossip(cfg GossipConfig, logger log.Logger, peerManager *peers.PeerManager, reg *metrics.Registry) *Gossip {
	g := &Gossip{
		cfg:     cfg,
		logger:  log.With(logger, "component", "gossip", "node", cfg.NodeName, "site", cfg.Site),
		peers:   peerManager,
		metrics: reg,
		inbox:   make(chan Message, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
	g.join = func(seeds []string) (int, error) { return g.ml.Join(seeds) }
	g.retrier = peers.NewRetrier(cfg.Join, g.logger, reg)
	return g
}

// Join contacts the configured seeds, retrying with backoff until at least
// one answers or the policy is exhausted.
func (g *Gossip) Join(ctx context.Context) error {
	if len(g.cfg.Seeds) == 0 {
		level.Info(g.logger).Log("op", "join", "msg", "no seeds configured, starting a new cluster")
		return nil
	}

	return g.retrier.Do(ctx, "join", func() error {
		n, err := g.join(g.cfg.Seeds)
		if err != nil {
			level.Warn(g.logger).Log("op", "join", "msg", "memberlist join failed", "joined", n, "seeds", len(g.cfg.Seeds), "error", err)
			return err
		}
		level.Info(g.logger).Log("op", "join", "msg", "memberlist join", "joined", n)
		return nil
	})
}

// Publish sends payload to every member selected by scope. Each send is
// independent; failures are aggregated into the returned error.
func (g *Gossip) Publish(ctx context.Context, key string, payload []byte, scope Scope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := encodeMessage(Message{
		Key:     key,
		Origin:  g.cfg.NodeName,
		Site:    g.cfg.Site,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, node := range selectTargets(g.cfg.NodeName, g.cfg.Site, g.ml.Members(), scope) {
		if err := g.ml.SendReliable(node, body); err != nil {
			g.peers.MarkFailure(node.Name)
			result = multierror.Append(result, errors.Wrapf(err, "send %q to %s", key, node.Name))
			continue
		}
		g.peers.MarkSuccess(node.Name)
	}
	return result.ErrorOrNil()
}

// Members maps every live memberlist node, this one included, to the site
// it advertises.
func (g *Gossip) Members() map[string]string {
	out := make(map[string]string)
	for _, node := range g.ml.Members() {
		out[node.Name] = string(node.Meta)
	}
	return out
}

// Stop leaves the cluster and stops the dispatcher.
func (g *Gossip) Stop() {
	close(g.stopCh)
	g.wg.Wait()

	level.Info(g.logger).Log("op", "shutdown", "msg", "leaving memberlist cluster")
	err := g.ml.Leave(time.Second)
	level.Info(g.logger).Log("op", "shutdown", "msg", "left memberlist cluster", "error", err)
	err = g.ml.Shutdown()
	level.Info(g.logger).Log("op", "shutdown", "msg", "memberlist shutdown", "error", err)
}

// selectTargets filters members down to the publish recipients: never the
// local node, and only members of the sites scope selects.
func selectTargets(self, site string, members []*memberlist.Node, scope Scope) []*memberlist.Node {
	out := make([]*memberlist.Node, 0, len(members))
	for _, node := range members {
		if node.Name == self {
			continue
		}
		if !scope.includes(site, string(node.Meta)) {
			continue
		}
		out = append(out, node)
	}
	return out
}

// enqueue hands a received message to the dispatcher without blocking the
// memberlist packet handler.
func (g *Gossip) enqueue(msg Message) {
	select {
	case g.inbox <- msg:
	default:
		level.Warn(g.logger).Log("op", "receive", "msg", "inbound queue full, dropping event", "key", msg.Key, "origin", msg.Origin)
		g.metrics.Inc(metrics.EventFailuresTotal)
	}
}

// dispatchLoop delivers inbound events one at a time, in arrival order.
func (g *Gossip) dispatchLoop() {
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case msg := <-g.inbox:
			g.dispatch(ctx, g.logger, msg)
		case <-g.stopCh:
			return
		}
	}
}

// delegate plugs Gossip into memberlist's data path.
type delegate struct {
	g *Gossip
}

// NodeMeta advertises the local site.
func (d *delegate) NodeMeta(limit int) []byte {
	meta := []byte(d.g.cfg.Site)
	if len(meta) > limit {
		meta = meta[:limit]
	}
	return meta
}

// NotifyMsg must not retain b nor block.
func (d *delegate) NotifyMsg(b []byte) {
	if len(b) == 0 {
		return
	}
	msg, err := decodeMessage(append([]byte(nil), b...))
	if err != nil {
		level.Warn(d.g.logger).Log("op", "receive", "msg", "dropping undecodable event", "error", err)
		d.g.metrics.Inc(metrics.EventFailuresTotal)
		return
	}
	d.g.enqueue(msg)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// eventDelegate mirrors membership into the peer manager.
type eventDelegate struct {
	g *Gossip
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	if node.Name == e.g.cfg.NodeName {
		return
	}
	level.Info(e.g.logger).Log("msg", "node event", "node addr", node.Addr, "node name", node.Name, "node site", string(node.Meta), "node event", "NodeJoin")
	e.g.peers.AddPeer(node.Name)
	e.g.peers.MarkSuccess(node.Name)
	e.g.metrics.Add(metrics.ClusterMembers, 1)
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	if node.Name == e.g.cfg.NodeName {
		return
	}
	level.Info(e.g.logger).Log("msg", "node event", "node addr", node.Addr, "node name", node.Name, "node event", "NodeLeave")
	e.g.peers.RemovePeer(node.Name)
	e.g.metrics.Add(metrics.ClusterMembers, -1)
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	level.Debug(e.g.logger).Log("msg", "node event", "node name", node.Name, "node site", string(node.Meta), "node event", "NodeUpdate")
}
