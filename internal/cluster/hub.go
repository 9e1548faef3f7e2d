package cluster

import (
	"context"
	"sync"

	"github.com/go-kit/log"
)

// Hub is an in-process channel connecting nodes of several sites. Delivery
// is synchronous on the publisher's goroutine.
type Hub struct {
	mu     sync.RWMutex
	nodes  []*Node
	logger log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger log.Logger) *Hub {
	return &Hub{logger: log.With(logger, "component", "hub")}
}

// Join attaches a new node belonging to site.
func (h *Hub) Join(name, site string) *Node {
	n := &Node{hub: h, name: name, site: site}

	h.mu.Lock()
	h.nodes = append(h.nodes, n)
	h.mu.Unlock()
	return n
}

// Node is one member of a Hub. It implements Channel.
type Node struct {
	subscriptions
	hub  *Hub
	name string
	site string
}

var _ Channel = (*Node)(nil)

func (n *Node) Name() string { return n.name }
func (n *Node) Site() string { return n.site }

func (n *Node) Members() map[string]string {
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()

	out := make(map[string]string, len(n.hub.nodes))
	for _, node := range n.hub.nodes {
		out[node.name] = node.site
	}
	return out
}

// Publish delivers payload to every other node selected by scope. Handler
// failures are logged by the hub, not returned.
func (n *Node) Publish(ctx context.Context, key string, payload []byte, scope Scope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.hub.mu.RLock()
	targets := make([]*Node, 0, len(n.hub.nodes))
	for _, other := range n.hub.nodes {
		if other == n {
			continue
		}
		if !scope.includes(n.site, other.site) {
			continue
		}
		targets = append(targets, other)
	}
	n.hub.mu.RUnlock()

	for _, target := range targets {
		msg := Message{
			Key:     key,
			Origin:  n.name,
			Site:    n.site,
			Payload: append([]byte(nil), payload...),
		}
		target.dispatch(ctx, log.With(n.hub.logger, "node", target.name), msg)
	}
	return nil
}
