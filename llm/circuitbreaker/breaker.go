// Package circuitbreaker guards the upstream LLM provider against failure
// storms with a three-state breaker: closed (normal), open (calls rejected),
// and half-open (a single probe is allowed after the recovery window).
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State identifies the breaker's current position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config controls breaker behavior. Zero values are replaced with defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before permitting
	// a half-open probe.
	RecoveryTimeout time.Duration

	// Clock supplies the current time. Overridable in tests.
	Clock func() time.Time

	// OnStateChange, when set, fires on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the production settings.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a mutex-guarded consecutive-failure circuit breaker.
// All methods are safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	failureCount int
	lastFailure  time.Time
	logger       *zap.Logger
}

// New creates a breaker in the closed state.
func New(cfg *Config, logger *zap.Logger) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:    c,
		state:  StateClosed,
		logger: logger.With(zap.String("component", "circuit_breaker")),
	}
}

// CallAllowed reports whether a call may proceed. When the breaker is open
// and the recovery timeout has elapsed, it transitions to half-open and
// admits the probe.
func (b *Breaker) CallAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.cfg.Clock().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure count. In half-open state it also closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// RecordFailure increments the consecutive-failure count and opens the
// breaker once the threshold is reached. A failure during a half-open probe
// re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.cfg.Clock()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold {
		b.transition(StateOpen)
	}
}

// State returns the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset forces the breaker back to closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failure_count", b.failureCount))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
