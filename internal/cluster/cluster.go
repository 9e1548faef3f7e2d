// Package cluster delivers named events between the nodes of a multi-site
// deployment.
//
// An event is an opaque payload tagged with a key. Subscribers register a
// handler per key; publishers choose whether nodes of their own site are
// notified. The publishing node never receives its own events. Delivery is
// best-effort and fire-and-forget: handler failures are reported to the
// delivery mechanism, never to the publisher.
package cluster

import (
	"bytes"
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// Scope selects which nodes receive a published event.
type Scope int

// includes reports whether a node of site receives an event published from
// localSite.
func (s Scope) includes(localSite, site string) bool {
	switch s {
	case AllButLocalSite:
		return site != localSite
	case LocalSite:
		return site == localSite
	default:
		return true
	}
}

const (
	// AllSites notifies every other node, including those of the local site.
	AllSites Scope = iota
	// AllButLocalSite notifies only nodes of remote sites.
	AllButLocalSite
	// LocalSite notifies only the other nodes of the publisher's site.
	LocalSite
)

func (s Scope) String() string {
	switch s {
	case AllSites:
		return "all-sites"
	case AllButLocalSite:
		return "all-but-local-site"
	case LocalSite:
		return "local-site"
	default:
		return "unknown"
	}
}

// Message is an event as seen by a receiving node.
type Message struct {
	Key     string `codec:"key"`
	Origin  string `codec:"origin"`
	Site    string `codec:"site"`
	Payload []byte `codec:"payload"`
}

// HandlerFunc consumes one delivered event.
type HandlerFunc func(ctx context.Context, msg Message) error

// Publisher sends events to peer nodes.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte, scope Scope) error
}

// Subscriber routes inbound events to handlers by key.
type Subscriber interface {
	Subscribe(key string, fn HandlerFunc)
}

// Channel is both ends of the cluster event channel.
type Channel interface {
	Publisher
	Subscriber

	// Members returns the live nodes, this one included, mapped to their
	// site.
	Members() map[string]string
}

// subscriptions is the handler table shared by the transports.
type subscriptions struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
}

func (s *subscriptions) Subscribe(key string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[string][]HandlerFunc)
	}
	s.handlers[key] = append(s.handlers[key], fn)
}

// dispatch runs every handler registered for msg.Key in order. Failures
// are logged; later handlers still run.
func (s *subscriptions) dispatch(ctx context.Context, logger log.Logger, msg Message) {
	s.mu.RLock()
	handlers := s.handlers[msg.Key]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		level.Debug(logger).Log("op", "dispatch", "msg", "no handler for event", "key", msg.Key, "origin", msg.Origin)
		return
	}

	for _, fn := range handlers {
		if err := fn(ctx, msg); err != nil {
			level.Error(logger).Log("op", "dispatch", "msg", "event handler failed", "key", msg.Key, "origin", msg.Origin, "error", err)
		}
	}
}

var msgpackHandle codec.MsgpackHandle

func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &msgpackHandle).Encode(&msg); err != nil {
		return nil, errors.Wrap(err, "encode cluster message")
	}
	return buf.Bytes(), nil
}

func decodeMessage(b []byte) (Message, error) {
	var msg Message
	if err := codec.NewDecoder(bytes.NewReader(b), &msgpackHandle).Decode(&msg); err != nil {
		return Message{}, errors.Wrap(err, "decode cluster message")
	}
	if msg.Key == "" {
		return Message{}, errors.New("decode cluster message: missing key")
	}
	return msg, nil
}
