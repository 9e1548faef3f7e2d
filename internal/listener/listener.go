// Package listener turns inbound cluster events into typed, transactional
// updates of site-local state.
//
// A Listener is bound to one event key. Each delivered event is decoded and
// handed to a Handler inside a unit of work on the local store, which is
// committed when the handler succeeds and rolled back otherwise.
package listener

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"sessionsync/internal/cluster"
	"sessionsync/internal/metrics"
	"sessionsync/internal/store"
)

// State is the dispatch state of a Listener.
type State int32

const (
	Idle State = iota
	Dispatching
)

func (s State) String() string {
	if s == Dispatching {
		return "dispatching"
	}
	return "idle"
}

// Runner executes work in a scoped unit of work. *store.Store implements it.
type Runner interface {
	RunInTransaction(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Decoder parses an event payload.
type Decoder[E any] func(payload []byte) (E, error)

// Handler applies a decoded event. The tx is the unit of work and the
// site-local session provider at once.
type Handler[E any] interface {
	Handle(ctx context.Context, tx *store.Tx, event E) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[E any] func(ctx context.Context, tx *store.Tx, event E) error

func (f HandlerFunc[E]) Handle(ctx context.Context, tx *store.Tx, event E) error {
	return f(ctx, tx, event)
}

// Listener dispatches events of one key to a Handler.
type Listener[E any] struct {
	key     string
	runner  Runner
	decode  Decoder[E]
	handler Handler[E]
	logger  log.Logger
	metrics *metrics.Registry

	inFlight atomic.Int32
}

// New creates a listener for key.
func New[E any](
	key string,
	runner Runner,
	decode Decoder[E],
	handler Handler[E],
	logger log.Logger,
	reg *metrics.Registry,
) *Listener[E] {
	return &Listener[E]{
		key:     key,
		runner:  runner,
		decode:  decode,
		handler: handler,
		logger:  log.With(logger, "component", "listener", "key", key),
		metrics: reg,
	}
}

// Key returns the event key the listener is bound to.
func (l *Listener[E]) Key() string { return l.key }

// State reports Dispatching while at least one event is being handled.
func (l *Listener[E]) State() State {
	if l.inFlight.Load() > 0 {
		return Dispatching
	}
	return Idle
}

// Register subscribes the listener to its key.
func (l *Listener[E]) Register(sub cluster.Subscriber) {
	sub.Subscribe(l.key, l.EventReceived)
}

// EventReceived decodes and handles msg in one unit of work. Decode and
// handler failures roll the unit of work back and are returned to the
// channel.
//
// A message for another key means the channel routed it wrongly; that is
// a programming error and panics.
func (l *Listener[E]) EventReceived(ctx context.Context, msg cluster.Message) error {
	if msg.Key != l.key {
		panic(fmt.Sprintf("listener for %q received event %q", l.key, msg.Key))
	}

	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)

	l.metrics.Inc(metrics.EventsReceivedTotal)

	err := l.runner.RunInTransaction(ctx, func(tx *store.Tx) error {
		event, err := l.decode(msg.Payload)
		if err != nil {
			return errors.Wrapf(err, "event from %s", msg.Origin)
		}

		level.Debug(l.logger).Log("op", "receive", "msg", "received event", "origin", msg.Origin, "site", msg.Site)

		return l.handler.Handle(ctx, tx, event)
	})
	if err != nil {
		l.metrics.Inc(metrics.EventFailuresTotal)
		return err
	}
	return nil
}
