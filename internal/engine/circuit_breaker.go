package engine

import (
	"sync"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// CircuitState is the state of one step kind's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-kind circuit breaking. After
// FailureThreshold consecutive failed attempts of a step kind, attempts of
// that kind fail fast with CIRCUIT_OPEN until Cooldown has passed; then
// HalfOpenMax probe attempts decide whether the circuit closes again.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// DefaultCircuitBreakerConfig returns a conservative configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// CircuitBreakers keeps one breaker per step kind.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[schema.StepType]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakers creates breakers sharing config.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakers{
		breakers: make(map[schema.StepType]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when an attempt of kind may proceed, or a CIRCUIT_OPEN error.
func (c *CircuitBreakers) Allow(kind schema.StepType) error {
	cb := c.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := c.now().Sub(cb.lastFailure)
		if elapsed >= c.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s steps after %d consecutive failures", kind, cb.failures).
			WithDetails(map[string]any{
				"step_type":            string(kind),
				"consecutive_failures": cb.failures,
				"cooldown_remaining":   (c.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= c.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %s steps: probe already in flight", kind)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the breaker for kind.
func (c *CircuitBreakers) RecordSuccess(kind schema.StepType) {
	cb := c.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed attempt and returns the resulting state.
func (c *CircuitBreakers) RecordFailure(kind schema.StepType) CircuitState {
	cb := c.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = c.now()
	if cb.state == CircuitHalfOpen || cb.failures >= c.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the breaker state for kind.
func (c *CircuitBreakers) State(kind schema.StepType) CircuitState {
	cb := c.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && c.now().Sub(cb.lastFailure) >= c.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (c *CircuitBreakers) get(kind schema.StepType) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[kind]
	if !ok {
		cb = &circuitBreaker{}
		c.breakers[kind] = cb
	}
	return cb
}
