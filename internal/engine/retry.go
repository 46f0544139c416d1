package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// IsRetryableError classifies whether a failed dispatch should be retried.
// Retryable: network errors, timeouts, 5xx-style agent failures.
// Non-retryable: validation errors, cancellation, open circuits.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A per-request deadline is retryable; the execution context is checked separately.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the execution is being torn down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		return oe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors are retried; the policy's Max bounds the attempts.
	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// Supports none, constant, linear and exponential backoff with an optional
// max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base << uint(min(attempt, 30))
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "none":
		return 0
	default: // "constant" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx.Err() if the
// context is cancelled first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
