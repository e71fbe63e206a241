// Package backoff provides exponential backoff utilities with jitter support
// for retry strategies.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates exponential delay based on attempt number.
// The delay is calculated as base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// ExponentialCapped calculates exponential delay capped at maxDelay.
// A non-positive maxDelay means uncapped.
func ExponentialCapped(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	delay := Exponential(base, attempt)
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}

	return delay
}

// FullJitter returns a random duration in the range [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay)))
}

// EqualJitter returns a random duration in the range [delay/2, delay*3/2),
// spreading concurrent retries around the nominal delay instead of below it.
// Returns 0 for zero or negative delays.
func EqualJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	half := int64(delay) / 2
	if half == 0 {
		return delay
	}

	return time.Duration(half + rand.Int64N(int64(delay)))
}

// SleepWithContext sleeps for the specified duration but respects context cancellation.
// Returns nil if the sleep completes, or an error if the context is cancelled.
// Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
