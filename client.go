// Package surrealpool is a pooled, self-healing WebSocket RPC client
// with typed live-query subscriptions and an optional circuit breaker.
package surrealpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/surrealpool/surrealpool/pkg/breaker"
	"github.com/surrealpool/surrealpool/pkg/config"
	"github.com/surrealpool/surrealpool/pkg/connection"
	"github.com/surrealpool/surrealpool/pkg/live"
	"github.com/surrealpool/surrealpool/pkg/logger"
	"github.com/surrealpool/surrealpool/pkg/metrics"
	"github.com/surrealpool/surrealpool/pkg/pool"
)

// Client is the top-level handle. All RPCs go through the pool and,
// when enabled, the circuit breaker.
type Client struct {
	conf    *config.Config
	pool    *pool.Pool
	rpc     connection.Client
	router  *live.Router
	logger  logger.Logger
	metrics *metrics.Metrics
}

// Option customizes client construction.
type Option func(*settings)

type settings struct {
	logger   logger.Logger
	registry prometheus.Registerer
}

// WithLogger installs a logger; the default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics registers the client's collectors against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registry = reg }
}

// New connects a client according to conf. It succeeds once at least
// one pool entry is established; remaining entries keep connecting in
// the background.
func New(ctx context.Context, conf *config.Config, opts ...Option) (*Client, error) {
	if conf == nil {
		return nil, errors.New("nil config")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	s := settings{logger: logger.Nop{}}
	for _, opt := range opts {
		opt(&s)
	}

	var m *metrics.Metrics
	if s.registry != nil {
		m = metrics.New(s.registry)
	}

	p := pool.New(pool.Config{
		Size: conf.Pool.Size,
		URLs: conf.Endpoints,
		Connection: connection.Config{
			URL:       conf.Endpoints[0],
			Namespace: conf.Namespace,
			Database:  conf.Database,
			Username:  conf.Username,
			Password:  conf.Password,
			Token:     conf.Token,
			Timeout:   conf.RequestTimeout,
			Logger:    s.logger,
		},
		HealthCheckInterval: conf.Pool.HealthCheckInterval,
		ReconnectDelay:      conf.Pool.ReconnectDelay,
		FailureThreshold:    conf.Pool.FailureThreshold,
		Logger:              s.logger,
		Metrics:             m,
	})
	if err := p.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}

	var rpc connection.Client = p
	if conf.Breaker.Enabled {
		b := breaker.New(breaker.Config{
			FailureRateThreshold:  conf.Breaker.FailureRateThreshold,
			SlowCallRateThreshold: conf.Breaker.SlowCallRateThreshold,
			SlowCallDuration:      conf.Breaker.SlowCallDuration,
			MinimumSamples:        conf.Breaker.MinimumSamples,
			WindowSize:            conf.Breaker.WindowSize,
			OpenTimeout:           conf.Breaker.OpenTimeout,
			HalfOpenMaxCalls:      conf.Breaker.HalfOpenMaxCalls,
			Metrics:               m,
		})
		rpc = breaker.Wrap(p, b)
	}

	return &Client{
		conf:    conf,
		pool:    p,
		rpc:     rpc,
		router:  live.NewRouter(rpc, s.logger, m),
		logger:  s.logger,
		metrics: m,
	}, nil
}

// Send issues a raw RPC through the pool.
func (c *Client) Send(ctx context.Context, dest any, method string, params ...any) error {
	return c.rpc.Send(ctx, dest, method, params...)
}

// Query runs a statement with optional bind variables and decodes the
// result sets into dest.
func (c *Client) Query(ctx context.Context, dest any, statement string, vars map[string]any) error {
	return c.rpc.Send(ctx, dest, connection.MethodQuery, statement, vars)
}

// Let sets a session variable on whichever connection serves the call.
func (c *Client) Let(ctx context.Context, key string, value any) error {
	return c.rpc.Send(ctx, nil, connection.MethodLet, key, value)
}

// Unset removes a session variable.
func (c *Client) Unset(ctx context.Context, key string) error {
	return c.rpc.Send(ctx, nil, connection.MethodUnset, key)
}

// Version reports the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v string
	if err := c.rpc.Send(ctx, &v, connection.MethodVersion); err != nil {
		return "", err
	}
	return v, nil
}

// Ping probes one healthy connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rpc.Ping(ctx)
}

// Stats snapshots pool health.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// WaitUntilReady blocks until the pool has at least one healthy
// connection or ctx expires.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	return c.pool.WaitUntilReady(ctx)
}

// Close tears down every connection. In-flight requests fail with
// ErrConnectionClosed and live subscriptions end.
func (c *Client) Close(ctx context.Context) error {
	return c.rpc.Close(ctx)
}

// Subscribe starts a typed live query on table through the client's
// router.
func Subscribe[T any](ctx context.Context, c *Client, table string, opts ...live.Option) (*live.Subscription[T], error) {
	return live.Subscribe[T](ctx, c.router, table, opts...)
}
