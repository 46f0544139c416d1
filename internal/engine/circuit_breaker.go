package engine

import (
	"sync"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// CircuitState represents the state of an agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting dispatches
	CircuitHalfOpen                     // Testing recovery
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed dispatches before the circuit opens.
	// Zero disables circuit breaking.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before moving to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial dispatches allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the stock configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single agent.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per agent id so a dead agent fails
// fast instead of absorbing every step's retry budget.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil if a dispatch to agentID may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(agentID string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.getOrCreate(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this dispatch is the first trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for agent %q after %d consecutive failures", agentID, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent_id":             agentID,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for agent %q: trial dispatch in flight", agentID)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for agentID.
func (r *CircuitBreakerRegistry) RecordSuccess(agentID string) {
	cb := r.getOrCreate(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed dispatch and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(agentID string) CircuitState {
	if r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.getOrCreate(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for agentID.
func (r *CircuitBreakerRegistry) GetState(agentID string) CircuitState {
	cb := r.getOrCreate(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about an agent's breaker.
func (r *CircuitBreakerRegistry) GetStats(agentID string) map[string]any {
	cb := r.getOrCreate(agentID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"agent_id":             agentID,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(agentID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agentID]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[agentID] = cb
	}
	return cb
}
