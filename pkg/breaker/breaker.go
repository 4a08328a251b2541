// Package breaker implements a count-based sliding-window circuit
// breaker and a wrapper that guards a client with one.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/surrealpool/surrealpool/pkg/constants"
	"github.com/surrealpool/surrealpool/pkg/metrics"
)

// State of the circuit.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "invalid"
	}
}

// Config tunes the breaker. Zero values take the documented defaults.
type Config struct {
	// FailureRateThreshold is the fraction of failed calls in the window
	// that trips the circuit. Default 0.5.
	FailureRateThreshold float64

	// SlowCallRateThreshold is the fraction of slow calls in the window
	// that trips the circuit. Default 1.0, which disables it.
	SlowCallRateThreshold float64

	// SlowCallDuration is the latency past which a call counts as slow.
	// Default 5s.
	SlowCallDuration time.Duration

	// MinimumSamples is the number of recorded calls required before the
	// rates are evaluated at all. Default 10.
	MinimumSamples int

	// WindowSize is the number of most recent calls the rates are
	// computed over. Default 100.
	WindowSize int

	// OpenTimeout is how long the circuit stays open before probing.
	// Default 30s.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls is the probe budget in half-open. Default 3.
	HalfOpenMaxCalls int

	// OnStateChange, when set, is invoked on every transition. It runs
	// on its own goroutine so a slow observer cannot stall calls.
	OnStateChange func(from, to State)

	Metrics *metrics.Metrics
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureRateThreshold <= 0 {
		out.FailureRateThreshold = 0.5
	}
	if out.SlowCallRateThreshold <= 0 {
		out.SlowCallRateThreshold = 1.0
	}
	if out.SlowCallDuration <= 0 {
		out.SlowCallDuration = 5 * time.Second
	}
	if out.MinimumSamples <= 0 {
		out.MinimumSamples = 10
	}
	if out.WindowSize <= 0 {
		out.WindowSize = 100
	}
	if out.OpenTimeout <= 0 {
		out.OpenTimeout = 30 * time.Second
	}
	if out.HalfOpenMaxCalls <= 0 {
		out.HalfOpenMaxCalls = 3
	}
	return out
}

type outcome struct {
	failure bool
	slow    bool
}

// Breaker is a count-based sliding-window circuit breaker. All methods
// are safe for concurrent use.
type Breaker struct {
	conf Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	window   []outcome
	head     int
	count    int
	openedAt time.Time

	halfOpenInFlight  int
	halfOpenSuccesses int
}

// New builds a breaker in the closed state.
func New(conf Config) *Breaker {
	c := conf.withDefaults()
	return &Breaker{
		conf:   c,
		now:    time.Now,
		window: make([]outcome, c.WindowSize),
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker. When the circuit is open it fails fast
// with constants.ErrCircuitOpen without invoking fn; otherwise fn's
// outcome and latency are recorded and its error returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	start := b.now()
	err := fn(ctx)
	b.record(err, b.now().Sub(start))
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.conf.OpenTimeout {
			return constants.ErrCircuitOpen
		}
		b.transition(HalfOpen)
		b.halfOpenInFlight = 1
		b.halfOpenSuccesses = 0
		return nil
	case HalfOpen:
		if b.halfOpenInFlight >= b.conf.HalfOpenMaxCalls {
			return constants.ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil
	default:
		return constants.ErrCircuitOpen
	}
}

func (b *Breaker) record(err error, dur time.Duration) {
	o := outcome{
		failure: err != nil,
		slow:    dur >= b.conf.SlowCallDuration,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.push(o)
		if b.tripped() {
			b.trip()
		}
	case HalfOpen:
		b.halfOpenInFlight--
		if o.failure || o.slow {
			b.trip()
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.conf.HalfOpenMaxCalls {
			b.transition(Closed)
			b.clearWindow()
		}
	case Open:
		// A probe admitted in half-open can complete after another probe
		// already re-opened the circuit; its outcome is irrelevant.
	}
}

// push records one outcome into the ring, evicting the oldest entry
// once the window is full.
func (b *Breaker) push(o outcome) {
	b.window[b.head] = o
	b.head = (b.head + 1) % len(b.window)
	if b.count < len(b.window) {
		b.count++
	}
}

// tripped evaluates the window rates. Below MinimumSamples the circuit
// never trips regardless of the rates.
func (b *Breaker) tripped() bool {
	if b.count < b.conf.MinimumSamples {
		return false
	}
	var failures, slow int
	for i := 0; i < b.count; i++ {
		o := b.window[i]
		if o.failure {
			failures++
		}
		if o.slow {
			slow++
		}
	}
	n := float64(b.count)
	return float64(failures)/n >= b.conf.FailureRateThreshold ||
		float64(slow)/n >= b.conf.SlowCallRateThreshold
}

// trip opens the circuit and starts the open timer. Callers hold b.mu.
func (b *Breaker) trip() {
	b.transition(Open)
	b.openedAt = b.now()
	b.clearWindow()
}

func (b *Breaker) clearWindow() {
	for i := range b.window {
		b.window[i] = outcome{}
	}
	b.head = 0
	b.count = 0
}

// transition moves to a new state and notifies observers. Callers hold
// b.mu; the callback runs outside it.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.conf.Metrics != nil {
		b.conf.Metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	if cb := b.conf.OnStateChange; cb != nil {
		go cb(from, to)
	}
}
