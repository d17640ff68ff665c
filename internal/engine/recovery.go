package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/skein-dev/skein/pkg/schema"
)

// RecoveryConfig injects every error-recovery threshold so tests can shrink
// the timings.
type RecoveryConfig struct {
	// DefaultBackoff is the initial retry delay when the step's retry policy
	// names none.
	DefaultBackoff time.Duration
	// MaxBackoff caps computed delays when the policy has no max_delay.
	MaxBackoff time.Duration
	// JitterFraction is the +/- range applied to every delay (0.2 = 20%).
	JitterFraction float64
	// Breaker configures the per-dependency circuit breakers.
	Breaker BreakerConfig
}

// DefaultRecoveryConfig returns the production thresholds.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		DefaultBackoff: time.Second,
		MaxBackoff:     time.Minute,
		JitterFraction: 0.2,
		Breaker:        DefaultBreakerConfig(),
	}
}

// Timeout policies per step.
const (
	OnTimeoutFail      = "fail"
	OnTimeoutSkip      = "skip"
	OnTimeoutRetryOnce = "retry_once"
)

// IsRetryableError classifies whether an error is worth retrying.
// Non-retryable: cancellation, validation/compilation failures, typed errors
// with non-retryable codes. Network errors, timeouts, and unclassified
// failures retry within the policy's attempt budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A step deadline is retryable; workflow-level cancellation is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var serr *schema.Error
	if errors.As(err, &serr) {
		return serr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The attempt budget bounds the damage.
	return true
}

// ComputeBackoff calculates the delay before retry attempt `attempt`
// (0-based), applying the policy's backoff curve, the cap, and jitter.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int, cfg RecoveryConfig) time.Duration {
	base := cfg.DefaultBackoff
	if policy != nil && policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil {
			base = d
		}
	}
	if base <= 0 {
		return 0
	}

	backoff := "exponential"
	if policy != nil && policy.Backoff != "" {
		backoff = policy.Backoff
	}

	var delay time.Duration
	switch backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt && delay < cfg.MaxBackoff; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "none", "constant"
		delay = base
	}

	cap := cfg.MaxBackoff
	if policy != nil && policy.MaxDelay != "" {
		if d, err := time.ParseDuration(policy.MaxDelay); err == nil {
			cap = d
		}
	}
	if cap > 0 && delay > cap {
		delay = cap
	}

	return applyJitter(delay, cfg.JitterFraction)
}

// applyJitter spreads a delay by +/- fraction so synchronized retries
// against the same dependency fan out.
func applyJitter(delay time.Duration, fraction float64) time.Duration {
	if delay <= 0 || fraction <= 0 {
		return delay
	}
	span := float64(delay) * fraction
	jittered := float64(delay) - span + rand.Float64()*2*span
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// WaitForBackoff sleeps for the delay or returns early on cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryBudget returns the max retry attempts after the first try.
func retryBudget(policy *schema.RetryPolicy) int {
	if policy == nil {
		return 0
	}
	return policy.Max
}
