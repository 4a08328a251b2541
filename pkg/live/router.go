// Package live demultiplexes live-query push notifications into typed
// per-subscription event channels.
package live

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/surrealpool/surrealpool/pkg/connection"
	"github.com/surrealpool/surrealpool/pkg/constants"
	"github.com/surrealpool/surrealpool/pkg/logger"
	"github.com/surrealpool/surrealpool/pkg/metrics"
)

// eventBuffer is the per-subscription channel capacity. A subscriber
// that stops draining loses events past this point rather than stalling
// the routing goroutine.
const eventBuffer = 100

// Router creates live queries through a client and routes each
// notification stream to its typed subscription.
type Router struct {
	client  connection.Client
	logger  logger.Logger
	metrics *metrics.Metrics
}

// NewRouter wraps client. The metrics handle may be nil.
func NewRouter(client connection.Client, log logger.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = logger.Nop{}
	}
	return &Router{client: client, logger: log, metrics: m}
}

// Event is one change notification decoded into the subscriber's type.
type Event[T any] struct {
	Action connection.Action
	// Data is the record after the change, or the deleted record for
	// delete actions.
	Data *T
	// Before is the prior state of the record. Only populated for
	// subscriptions created with WithDiff.
	Before *T
	At     time.Time
}

// Option configures a subscription.
type Option func(*options)

type options struct {
	diff    bool
	decrypt func([]byte) ([]byte, error)
}

// WithDiff requests before/after payloads from the server instead of
// the bare record.
func WithDiff() Option {
	return func(o *options) { o.diff = true }
}

// WithDecrypt installs a hook applied to each raw payload before it is
// decoded. A hook error drops the event and is logged; it never ends
// the subscription.
func WithDecrypt(fn func([]byte) ([]byte, error)) Option {
	return func(o *options) { o.decrypt = fn }
}

// Subscription is one live query bound to a concrete event type.
type Subscription[T any] struct {
	router *Router
	id     string
	table  string
	opts   options

	events chan Event[T]

	killOnce sync.Once
	killed   atomic.Bool
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

// Subscribe starts a live query on table and begins routing its
// notifications. It is a free function because the event type parameter
// cannot hang off a method.
func Subscribe[T any](ctx context.Context, r *Router, table string, opts ...Option) (*Subscription[T], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	id, err := r.client.Live(ctx, table, o.diff)
	if err != nil {
		return nil, fmt.Errorf("live subscribe on %q: %w", table, err)
	}
	src, err := r.client.LiveNotifications(id)
	if err != nil {
		// The query started but its stream is unreachable; stop it rather
		// than leaking a server-side live query.
		_ = r.client.Kill(ctx, id)
		return nil, err
	}

	sub := &Subscription[T]{
		router: r,
		id:     id,
		table:  table,
		opts:   o,
		events: make(chan Event[T], eventBuffer),
		done:   make(chan struct{}),
	}
	go sub.run(src)
	return sub, nil
}

// ID returns the server-assigned live query id.
func (s *Subscription[T]) ID() string { return s.id }

// Events is the typed event stream. It is closed when the subscription
// ends for any reason; check Err afterwards to distinguish a clean
// unsubscribe from a connection failure.
func (s *Subscription[T]) Events() <-chan Event[T] { return s.events }

// Err reports why the subscription ended, or nil after a clean
// Unsubscribe.
func (s *Subscription[T]) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed when routing has stopped and no further events will be
// delivered.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Unsubscribe stops the live query. Safe to call multiple times; only
// the first call issues a kill.
func (s *Subscription[T]) Unsubscribe(ctx context.Context) error {
	var err error
	s.killOnce.Do(func() {
		s.killed.Store(true)
		err = s.router.client.Kill(ctx, s.id)
	})
	return err
}

// run drains the connection-level notification channel until it closes,
// decoding and forwarding each event. The source channel closing is the
// single termination signal: it happens on kill and on connection
// death, distinguished by the killed flag.
func (s *Subscription[T]) run(src chan connection.Notification) {
	defer func() {
		if !s.killed.Load() {
			s.errMu.Lock()
			s.err = constants.ErrConnectionClosed
			s.errMu.Unlock()
		}
		close(s.events)
		close(s.done)
	}()

	for notif := range src {
		ev, err := s.decode(notif)
		if err != nil {
			s.router.logger.Warn("dropping undecodable live event",
				"table", s.table, "live_id", s.id, "error", err)
			continue
		}
		select {
		case s.events <- ev:
			if s.router.metrics != nil {
				s.router.metrics.LiveEventsTotal.Inc()
			}
		default:
			s.router.logger.Warn("live event buffer full, dropping event",
				"table", s.table, "live_id", s.id)
		}
	}
}

// diffEnvelope is the payload shape for diff-mode subscriptions.
type diffEnvelope struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

func (s *Subscription[T]) decode(notif connection.Notification) (Event[T], error) {
	ev := Event[T]{Action: notif.Action, At: time.Now()}
	raw := []byte(notif.Result)

	if s.opts.decrypt != nil {
		dec, err := s.opts.decrypt(raw)
		if err != nil {
			return ev, fmt.Errorf("decrypt hook: %w", err)
		}
		raw = dec
	}

	um := s.router.client.GetUnmarshaler()

	if s.opts.diff {
		var env diffEnvelope
		if err := um.Unmarshal(raw, &env); err == nil && (env.Before != nil || env.After != nil) {
			if env.Before != nil {
				before := new(T)
				if err := um.Unmarshal(env.Before, before); err != nil {
					return ev, fmt.Errorf("decode before-image: %w", err)
				}
				ev.Before = before
			}
			if env.After != nil {
				after := new(T)
				if err := um.Unmarshal(env.After, after); err != nil {
					return ev, fmt.Errorf("decode after-image: %w", err)
				}
				ev.Data = after
			}
			return ev, nil
		}
		// Some actions arrive without an envelope even in diff mode;
		// fall through to a plain decode.
	}

	data := new(T)
	if err := um.Unmarshal(raw, data); err != nil {
		return ev, fmt.Errorf("decode event payload: %w", err)
	}
	ev.Data = data
	return ev, nil
}
