// Package resilience guards the KV backend: a three-state circuit
// breaker, a bounded local fallback queue, and a manager that combines
// them and drains the queue on recovery.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState is the breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout"`

	// IsFailure classifies errors that count against the threshold.
	// Nil counts every error.
	IsFailure func(error) bool `yaml:"-"`
}

// Validate applies defaults for unset fields.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return nil
}

// Transition records a state change for introspection.
type Transition struct {
	From   CircuitState
	To     CircuitState
	At     time.Time
	Reason string
}

// transitionHistoryLimit bounds the retained transition records.
const transitionHistoryLimit = 100

// Breaker is a three-state circuit breaker. Calls run under the
// configured timeout; failures past the threshold open the circuit.
type Breaker struct {
	name   string
	config BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	history     []Transition
}

// NewBreaker creates a breaker in the CLOSED state.
func NewBreaker(name string, cfg BreakerConfig) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{name: name, config: cfg, state: CircuitClosed}, nil
}

// State returns the current state, accounting for recovery timeout.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// History returns a copy of the recorded transitions.
func (b *Breaker) History() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transition, len(b.history))
	copy(out, b.history)
	return out
}

// Execute runs fn through the breaker under the call timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && b.countsAsFailure(err) {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return err
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.config.IsFailure != nil {
		return b.config.IsFailure(err)
	}
	return true
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == CircuitOpen {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return nil
}

// maybeHalfOpenLocked moves OPEN to HALF_OPEN once the recovery timeout
// has elapsed since the last failure.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == CircuitOpen && time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
		b.transitionLocked(CircuitHalfOpen, "recovery timeout elapsed")
		b.successes = 0
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = time.Now()

	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionLocked(CircuitOpen, fmt.Sprintf("failure threshold reached: %v", err))
		}
	case CircuitHalfOpen:
		b.transitionLocked(CircuitOpen, fmt.Sprintf("failure while half-open: %v", err))
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionLocked(CircuitClosed, "success threshold reached")
			b.failures = 0
		}
	}
}

func (b *Breaker) transitionLocked(to CircuitState, reason string) {
	from := b.state
	b.state = to
	b.history = append(b.history, Transition{From: from, To: to, At: time.Now(), Reason: reason})
	if len(b.history) > transitionHistoryLimit {
		b.history = b.history[len(b.history)-transitionHistoryLimit:]
	}
	slog.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}
