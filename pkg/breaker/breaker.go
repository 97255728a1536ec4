// Package breaker gates calls to failing downstreams: after a run of
// consecutive failures the circuit opens and calls are rejected outright
// until a reset timeout passes, then a limited number of half-open probes
// decide whether to close again.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit's current position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is
// open. Callers treat it as a distinct, retryable error kind rather than a
// downstream failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// IsCircuitOpen reports whether err is a circuit rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Config holds one breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the success streak required to close again.
	HalfOpenMaxAttempts int
}

// DefaultConfig matches the substrate defaults: 5 failures to open, 60s
// reset, 3 half-open successes to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// Breaker is a single named circuit.
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time

	onStateChange func(name string, from, to State)
}

// NewBreaker constructs a closed breaker for a named downstream target.
func NewBreaker(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 3
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// SetOnStateChange registers a callback invoked on every transition, used to
// keep the circuit-state gauge current.
func (b *Breaker) SetOnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Execute runs op under the breaker. While open it rejects with
// ErrCircuitOpen; otherwise the op's outcome feeds the state machine.
func (b *Breaker) Execute(op func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	if err := op(); err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transitionTo(StateHalfOpen)
			b.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.HalfOpenMaxAttempts {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		// Any half-open failure immediately re-opens.
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = b.now()
	b.logger.Warn("circuit breaker opened",
		zap.String("target", b.name),
		zap.Int("consecutive_failures", b.consecutiveFailures),
		zap.Error(err),
	)
}

func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.consecutiveFailures = 0
	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, next)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one breaker per named downstream target, created on demand
// with a shared config.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *zap.Logger

	onStateChange func(name string, from, to State)
}

// NewRegistry constructs a breaker registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// SetOnStateChange applies a transition callback to every breaker, present
// and future.
func (r *Registry) SetOnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
	for _, b := range r.breakers {
		b.SetOnStateChange(fn)
	}
}

// Get returns the breaker for a target, creating it if needed.
func (r *Registry) Get(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[target]
	if !ok {
		b = NewBreaker(target, r.cfg, r.logger)
		if r.onStateChange != nil {
			b.SetOnStateChange(r.onStateChange)
		}
		r.breakers[target] = b
	}
	return b
}
