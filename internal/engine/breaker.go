package engine

import (
	"sync"
	"time"

	"github.com/skein-dev/skein/pkg/schema"
)

// BreakerState is the state of one circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, rejecting calls
	BreakerHalfOpen                     // cooldown elapsed, probing with one trial call
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before permitting a trial.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the production thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failures for one dependency key (provider.action).
type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages one circuit breaker per dependency key. The key is
// "provider.action" for action steps; anything stable per external
// dependency works.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config = DefaultBreakerConfig()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow checks whether a call through the named dependency may proceed.
// Returns nil if allowed, or a CIRCUIT_OPEN error if the circuit rejects it.
func (r *BreakerRegistry) Allow(key string) error {
	b := r.getOrCreate(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.halfOpenAttempts = 1 // this call is the trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q after %d consecutive failures", key, b.consecutiveFailures).
			WithDetails(map[string]any{
				"dependency":           key,
				"consecutive_failures": b.consecutiveFailures,
				"state":                b.state.String(),
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailure)).String(),
			})

	case BreakerHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %q: trial call already in flight", key)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess closes the circuit for the dependency.
func (r *BreakerRegistry) RecordSuccess(key string) {
	b := r.getOrCreate(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failure and returns the resulting state. A failure
// while half-open reopens immediately.
func (r *BreakerRegistry) RecordFailure(key string) BreakerState {
	b := r.getOrCreate(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = time.Now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		return BreakerOpen
	}
	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		return BreakerOpen
	}
	return b.state
}

// State returns the current state, applying the open-to-half-open
// transition when the cooldown has elapsed.
func (r *BreakerRegistry) State(key string) BreakerState {
	b := r.getOrCreate(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.config.Cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

// Stats returns diagnostic info for one breaker.
func (r *BreakerRegistry) Stats(key string) map[string]any {
	b := r.getOrCreate(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]any{
		"dependency":           key,
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"failure_threshold":    b.config.FailureThreshold,
		"cooldown":             b.config.Cooldown.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: BreakerClosed, config: r.config}
		r.breakers[key] = b
	}
	return b
}
