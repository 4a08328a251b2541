// Package pool presents a single logical client backed by up to N
// protocol connections, load-balanced via round-robin and self-healing
// through periodic health checks.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/surrealpool/surrealpool/internal/codec"
	"github.com/surrealpool/surrealpool/pkg/connection"
	"github.com/surrealpool/surrealpool/pkg/constants"
	"github.com/surrealpool/surrealpool/pkg/logger"
	"github.com/surrealpool/surrealpool/pkg/metrics"
)

// EntryState tracks the health of one pool slot.
type EntryState int32

const (
	EntryHealthy EntryState = iota
	EntryUnhealthy
	EntryReconnecting
)

func (s EntryState) String() string {
	switch s {
	case EntryHealthy:
		return "healthy"
	case EntryUnhealthy:
		return "unhealthy"
	case EntryReconnecting:
		return "reconnecting"
	default:
		return "invalid"
	}
}

// entry wraps one connection plus its health accounting. Slots are
// never dropped: total pool size is constant, only the healthy split
// changes.
type entry struct {
	index int

	mu          sync.RWMutex
	conn        *connection.WebSocketConnection
	state       EntryState
	failures    int
	lastChecked time.Time
	bo          backoff.BackOff
}

func (e *entry) State() EntryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *entry) Conn() *connection.WebSocketConnection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conn
}

// Config for a Pool.
type Config struct {
	// Size is the number of connections the pool maintains.
	Size int

	// URLs optionally assigns distinct endpoints to slots; slot i dials
	// URLs[i%len(URLs)]. When empty, Connection.URL is used for all.
	URLs []string

	// Connection is the per-connection template.
	Connection connection.Config

	// HealthCheckInterval is how often every entry is probed.
	HealthCheckInterval time.Duration

	// ReconnectDelay is the initial delay before a reconnect attempt;
	// subsequent attempts back off exponentially.
	ReconnectDelay time.Duration

	// FailureThreshold is the number of consecutive probe failures that
	// flips an entry to unhealthy.
	FailureThreshold int

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Size <= 0 {
		out.Size = 3
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = 15 * time.Second
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = 2 * time.Second
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	if out.Logger == nil {
		out.Logger = logger.Nop{}
	}
	return out
}

// Stats is a point-in-time, read-only snapshot of pool health.
type Stats struct {
	Total            int
	Healthy          int
	Unhealthy        int
	MaxSize          int
	HealthPercentage float64
}

// Pool is a connection.Client backed by Size connections.
type Pool struct {
	conf    Config
	logger  logger.Logger
	metrics *metrics.Metrics

	entries []*entry
	cursor  atomic.Uint64

	readyOnce sync.Once
	readyCh   chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	// liveOwners pins each live query to the connection that created it
	// so kills and notification lookups hit the right socket.
	liveMu     sync.RWMutex
	liveOwners map[string]*connection.WebSocketConnection
}

var _ connection.Client = (*Pool)(nil)

// New creates a disconnected pool.
func New(conf Config) *Pool {
	c := conf.withDefaults()
	p := &Pool{
		conf:       c,
		logger:     c.Logger,
		metrics:    c.Metrics,
		readyCh:    make(chan struct{}),
		closeCh:    make(chan struct{}),
		liveOwners: make(map[string]*connection.WebSocketConnection),
	}
	p.entries = make([]*entry, c.Size)
	for i := range p.entries {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.ReconnectDelay
		bo.MaxInterval = 8 * c.ReconnectDelay
		bo.MaxElapsedTime = 0
		p.entries[i] = &entry{
			index: i,
			conn:  connection.New(p.confFor(i)),
			state: EntryUnhealthy,
			bo:    bo,
		}
	}
	return p
}

func (p *Pool) confFor(i int) connection.Config {
	c := p.conf.Connection
	if len(p.conf.URLs) > 0 {
		c.URL = p.conf.URLs[i%len(p.conf.URLs)]
	}
	if c.Logger == nil {
		c.Logger = p.logger
	}
	return c
}

// Connect dials all entries concurrently and succeeds once at least one
// connection is established. It never waits serially: every slot is
// attempted in parallel with independent success or failure.
func (p *Pool) Connect(ctx context.Context) error {
	var wg sync.WaitGroup
	var healthy atomic.Int64

	for _, e := range p.entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			err := e.Conn().Connect(ctx)
			e.mu.Lock()
			e.lastChecked = time.Now()
			if err != nil {
				e.state = EntryUnhealthy
				e.mu.Unlock()
				p.logger.Warn("pool entry failed to connect", "slot", e.index, "error", err)
				return
			}
			e.state = EntryHealthy
			e.failures = 0
			e.mu.Unlock()
			healthy.Add(1)
			p.signalReady()
		}(e)
	}
	wg.Wait()

	n := healthy.Load()
	if n == 0 {
		return fmt.Errorf("%w: 0/%d connections established", constants.ErrNoConnectionsAvailable, len(p.entries))
	}
	p.logger.Info("pool connected", "healthy", n, "total", len(p.entries))
	p.updateGauges()

	p.wg.Add(1)
	go p.healthLoop()
	return nil
}

// WaitUntilReady blocks until at least one entry has reached healthy,
// the context is canceled, or the pool is closed.
func (p *Pool) WaitUntilReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-p.closeCh:
		return constants.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) signalReady() {
	p.readyOnce.Do(func() { close(p.readyCh) })
}

// next selects the next healthy entry via a single shared round-robin
// cursor, skipping unhealthy and reconnecting slots. Zero healthy
// entries fails immediately rather than blocking.
func (p *Pool) next() (*entry, error) {
	n := uint64(len(p.entries))
	start := p.cursor.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		e := p.entries[(start+i)%n]
		if e.State() == EntryHealthy {
			return e, nil
		}
	}
	return nil, constants.ErrNoConnectionsAvailable
}

// Send dispatches one RPC to the next healthy entry.
func (p *Pool) Send(ctx context.Context, dest any, method string, params ...any) error {
	e, err := p.next()
	if err != nil {
		p.countRequest(method, err)
		return err
	}
	start := time.Now()
	err = e.Conn().Send(ctx, dest, method, params...)
	p.observe(method, start, err)
	return err
}

// Live starts a live query on one healthy entry and pins the returned
// id to that connection.
func (p *Pool) Live(ctx context.Context, table string, diff bool) (string, error) {
	e, err := p.next()
	if err != nil {
		return "", err
	}
	conn := e.Conn()
	id, err := conn.Live(ctx, table, diff)
	if err != nil {
		return "", err
	}
	p.liveMu.Lock()
	p.liveOwners[id] = conn
	p.liveMu.Unlock()
	return id, nil
}

// Kill stops a live query on the connection that owns it.
func (p *Pool) Kill(ctx context.Context, liveID string) error {
	p.liveMu.Lock()
	conn, ok := p.liveOwners[liveID]
	delete(p.liveOwners, liveID)
	p.liveMu.Unlock()
	if !ok {
		return fmt.Errorf("kill: unknown live query id %q", liveID)
	}
	return conn.Kill(ctx, liveID)
}

// LiveNotifications returns the notification channel for liveID from
// its owning connection.
func (p *Pool) LiveNotifications(liveID string) (chan connection.Notification, error) {
	p.liveMu.RLock()
	conn, ok := p.liveOwners[liveID]
	p.liveMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown live query id %q", liveID)
	}
	return conn.LiveNotifications(liveID)
}

// Ping probes the next healthy entry.
func (p *Pool) Ping(ctx context.Context) error {
	e, err := p.next()
	if err != nil {
		return err
	}
	return e.Conn().Ping(ctx)
}

func (p *Pool) GetUnmarshaler() codec.Unmarshaler {
	if p.conf.Connection.Unmarshaler != nil {
		return p.conf.Connection.Unmarshaler
	}
	return codec.NewJSON()
}

// Stats computes a snapshot of the current entry states. Entry state is
// read under the same lock the health loop mutates it with, so a caller
// never observes a half-updated entry.
func (p *Pool) Stats() Stats {
	s := Stats{Total: len(p.entries), MaxSize: len(p.entries)}
	for _, e := range p.entries {
		if e.State() == EntryHealthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
	}
	if s.Total > 0 {
		s.HealthPercentage = float64(s.Healthy) / float64(s.Total) * 100
	}
	return s
}

// Close stops the health loop and closes every connection.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.wg.Wait()
		for _, e := range p.entries {
			_ = e.Conn().Close(ctx)
		}
	})
	return nil
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.conf.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.checkEntries()
		}
	}
}

func (p *Pool) checkEntries() {
	for _, e := range p.entries {
		switch e.State() {
		case EntryHealthy:
			p.wg.Add(1)
			go p.probe(e)
		case EntryUnhealthy:
			p.wg.Add(1)
			go p.reconnect(e)
		case EntryReconnecting:
			// A reconnect attempt is already in flight for this slot.
		}
	}
}

// probe pings one healthy entry; consecutive failures past the
// threshold flip it to unhealthy so the next interval schedules a
// reconnect.
func (p *Pool) probe(e *entry) {
	defer p.wg.Done()

	err := e.Conn().Ping(context.Background())

	e.mu.Lock()
	e.lastChecked = time.Now()
	if err != nil {
		e.failures++
		if e.failures >= p.conf.FailureThreshold && e.state == EntryHealthy {
			e.state = EntryUnhealthy
			p.logger.Warn("pool entry unhealthy",
				"slot", e.index, "consecutive_failures", e.failures, "error", err)
		}
	} else {
		e.failures = 0
	}
	e.mu.Unlock()
	p.updateGauges()
}

// reconnect replaces a dead entry's connection in place after a backoff
// delay. On failure the slot stays unhealthy and is retried on the next
// interval; it is never dropped from the pool's accounting.
func (p *Pool) reconnect(e *entry) {
	defer p.wg.Done()

	e.mu.Lock()
	if e.state != EntryUnhealthy {
		e.mu.Unlock()
		return
	}
	e.state = EntryReconnecting
	delay := e.bo.NextBackOff()
	e.mu.Unlock()
	p.updateGauges()

	select {
	case <-p.closeCh:
		return
	case <-time.After(delay):
	}

	dialTimeout := p.conf.Connection.Timeout
	if dialTimeout <= 0 {
		dialTimeout = constants.DefaultTimeout
	}
	fresh := connection.New(p.confFor(e.index))
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	err := fresh.Connect(ctx)
	cancel()

	e.mu.Lock()
	if err != nil {
		e.state = EntryUnhealthy
		e.lastChecked = time.Now()
		e.mu.Unlock()
		p.logger.Warn("pool entry reconnect failed", "slot", e.index, "error", err)
		p.updateGauges()
		return
	}
	old := e.conn
	e.conn = fresh
	e.state = EntryHealthy
	e.failures = 0
	e.lastChecked = time.Now()
	e.bo.Reset()
	e.mu.Unlock()

	if old != nil {
		_ = old.Close(context.Background())
	}
	p.signalReady()
	p.logger.Info("pool entry reconnected", "slot", e.index)
	p.updateGauges()
}

func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.PoolHealthy.Set(float64(s.Healthy))
	p.metrics.PoolUnhealthy.Set(float64(s.Unhealthy))
}

func (p *Pool) countRequest(method string, err error) {
	if p.metrics == nil {
		return
	}
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	p.metrics.RequestsTotal.WithLabelValues(method, outcome).Inc()
}

func (p *Pool) observe(method string, start time.Time, err error) {
	p.countRequest(method, err)
	if p.metrics != nil {
		p.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
}
