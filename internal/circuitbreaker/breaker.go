package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StateChangeFunc is called after a transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Stats is a snapshot of a breaker.
type Stats struct {
	State                          State     `json:"state"`
	FailureCount                   int       `json:"failureCount"`
	SuccessCount                   int       `json:"successCount"`
	LastStateChangeAt              time.Time `json:"lastStateChangeAt"`
	ConsecutiveSuccessesInHalfOpen int       `json:"consecutiveSuccessesInHalfOpen"`
	HalfOpenInFlight               int       `json:"halfOpenInFlight"`
}

// Breaker is the state machine of one service. All transitions happen
// under mu, so they are totally ordered per breaker.
type Breaker struct {
	name     string
	config   Config
	logger   observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	onChange []StateChangeFunc

	mu    sync.Mutex
	state State

	// generation increments on every transition. Permits from an older
	// generation are ignored when they report.
	generation uint64

	// window is a ring of the last VolumeThreshold outcomes, true = failure.
	window    []bool
	windowPos int
	windowLen int
	failures  int
	successes int

	halfOpenInFlight  int
	halfOpenSuccesses int

	lastStateChange time.Time
}

// Option is a functional option for a breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithMetrics publishes state and transitions to metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = append(b.onChange, fn)
	}
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.normalize()
	b := &Breaker{
		name:   name,
		config: cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
		state:  StateClosed,
		window: make([]bool, cfg.VolumeThreshold),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	b.metrics.SetBreakerState(name, int(StateClosed))
	return b
}

// Name returns the service name of the breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective tunables.
func (b *Breaker) Config() Config {
	return b.config
}

// Permit is the right to make one downstream call. Exactly one of Success,
// Failure or Cancel takes effect; later calls are no-ops.
type Permit struct {
	breaker    *Breaker
	ctx        context.Context
	generation uint64
	trial      bool
	done       atomic.Bool
}

// Success records a successful call.
func (p *Permit) Success() {
	if p.done.CompareAndSwap(false, true) {
		p.breaker.record(p, false)
	}
}

// Failure records a failed call.
func (p *Permit) Failure() {
	if p.done.CompareAndSwap(false, true) {
		p.breaker.record(p, true)
	}
}

// Cancel releases the permit without recording an outcome, for calls that
// never reached the downstream service.
func (p *Permit) Cancel() {
	if p.done.CompareAndSwap(false, true) {
		p.breaker.release(p)
	}
}

// Allow asks for a permit. It returns ErrCircuitOpen while the breaker is
// open, or while half-open and all trial slots are taken.
func (b *Breaker) Allow(ctx context.Context) (*Permit, error) {
	b.mu.Lock()

	var change *transition
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastStateChange) < b.config.ResetTimeout {
			b.mu.Unlock()
			b.metrics.RecordBreakerRejection(b.name)
			return nil, ErrCircuitOpen
		}
		change = b.transitionTo(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			b.metrics.RecordBreakerRejection(b.name)
			return nil, ErrCircuitOpen
		}
		b.halfOpenInFlight++
		p := &Permit{breaker: b, ctx: ctx, generation: b.generation, trial: true}
		b.mu.Unlock()
		b.announce(ctx, change)
		return p, nil

	default:
		p := &Permit{breaker: b, ctx: ctx, generation: b.generation}
		b.mu.Unlock()
		return p, nil
	}
}

func (b *Breaker) record(p *Permit, failed bool) {
	b.mu.Lock()

	if p.generation != b.generation {
		b.mu.Unlock()
		return
	}

	var change *transition
	switch b.state {
	case StateClosed:
		b.push(failed)
		if b.shouldOpen() {
			change = b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.halfOpenInFlight--
		if failed {
			change = b.transitionTo(StateOpen)
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			change = b.transitionTo(StateClosed)
		}
	}

	b.mu.Unlock()
	b.announce(p.ctx, change)
}

func (b *Breaker) release(p *Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.trial && p.generation == b.generation && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}
}

// push appends an outcome to the window, evicting the oldest when full.
func (b *Breaker) push(failed bool) {
	if b.windowLen == len(b.window) {
		if b.window[b.windowPos] {
			b.failures--
		} else {
			b.successes--
		}
	} else {
		b.windowLen++
	}

	b.window[b.windowPos] = failed
	b.windowPos = (b.windowPos + 1) % len(b.window)

	if failed {
		b.failures++
	} else {
		b.successes++
	}
}

func (b *Breaker) shouldOpen() bool {
	if b.windowLen < b.config.VolumeThreshold {
		return false
	}
	return float64(b.failures)*100 >= b.config.ErrorThresholdPercentage*float64(b.windowLen)
}

type transition struct {
	from, to State
	at       time.Time
}

// transitionTo changes state and resets all counters. Caller holds mu.
func (b *Breaker) transitionTo(to State) *transition {
	from := b.state
	b.state = to
	b.generation++
	b.lastStateChange = b.now()

	for i := range b.window {
		b.window[i] = false
	}
	b.windowPos = 0
	b.windowLen = 0
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0

	b.metrics.SetBreakerState(b.name, int(to))
	b.metrics.RecordBreakerTransition(b.name, from.String(), to.String())

	return &transition{from: from, to: to, at: b.lastStateChange}
}

// announce logs a transition and runs callbacks outside the lock.
func (b *Breaker) announce(ctx context.Context, t *transition) {
	if t == nil {
		return
	}

	fields := []observability.Field{
		observability.String("service", b.name),
		observability.String("from", t.from.String()),
		observability.String("to", t.to.String()),
	}
	if t.to == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker state changed", fields...)
	}

	if ctx != nil {
		trace.SpanFromContext(ctx).AddEvent("circuit_breaker.state_change",
			trace.WithAttributes(
				attribute.String("circuit_breaker.name", b.name),
				attribute.String("circuit_breaker.from", t.from.String()),
				attribute.String("circuit_breaker.to", t.to.String()),
			),
		)
	}

	for _, fn := range b.onChange {
		fn(b.name, t.from, t.to)
	}
}

// State returns the current state without advancing it. An open breaker
// whose reset timeout has elapsed still reports open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	return Stats{
		State:                          b.state,
		FailureCount:                   b.failures,
		SuccessCount:                   b.successes,
		LastStateChangeAt:              b.lastStateChange,
		ConsecutiveSuccessesInHalfOpen: b.halfOpenSuccesses,
		HalfOpenInFlight:               b.halfOpenInFlight,
	}
}

