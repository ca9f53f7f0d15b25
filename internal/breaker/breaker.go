// Package breaker implements the circuit breaker used around both outbound
// call paths: the orchestrator's egress to the inference endpoint and the
// client runtime's egress to the orchestrator. The two instances never share
// state.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed is the normal operation state.
	Closed State = iota
	// Open rejects all requests until the cooldown elapses.
	Open
	// HalfOpen allows a single probe request after the cooldown.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a Breaker.
type Config struct {
	FailureThreshold int           // Consecutive failures before opening (default: 3)
	Cooldown         time.Duration // Time before the first probe is allowed (default: 120s)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         2 * time.Minute,
	}
}

// Breaker is a consecutive-failure circuit breaker.
//
// closed → (threshold consecutive failures) → open → (cooldown elapsed) →
// half-open → closed on a single success. In half-open the failure count is
// reset to threshold−1, so one further failure reopens the circuit.
//
// Safe for concurrent use; each instance is owned by the component that makes
// the outbound call.
type Breaker struct {
	mu sync.Mutex

	state    State
	failures int
	openedAt time.Time

	threshold int
	cooldown  time.Duration

	// now is overridable in tests.
	now func() time.Time
}

// New creates a breaker in the closed state. Zero config fields fall back to
// DefaultConfig values.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns ErrOpen
// without attempting anything; once the cooldown has elapsed it transitions to
// half-open and admits a single probe with the failure count wound back to
// threshold−1.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.failures = b.threshold - 1
			return nil
		}
		return ErrOpen
	case HalfOpen:
		return nil
	}
	return nil
}

// Success records a successful call. Any success fully closes the breaker and
// resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.openedAt = time.Time{}
}

// Failure records a failed call. Reaching the threshold opens the circuit;
// in half-open a single failure is enough because Allow already wound the
// count back to threshold−1.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
