// Package backoff computes retry delays for reconnect and recovery loops.
package backoff

import (
	"context"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"time"
)

// Exponential doubles base attempt times, saturating instead of overflowing.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	}

	// base needs attempt spare high bits to be shifted safely.
	if attempt >= bits.LeadingZeros64(uint64(base)) {
		return time.Duration(1<<63 - 1)
	}

	return base << attempt
}

// Capped is Exponential bounded by ceiling. A non-positive ceiling means no
// bound.
func Capped(base, ceiling time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}

	return delay
}

// FullJitter picks a delay uniformly from [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return rand.N(delay) // #nosec G404 -- scheduling jitter
}

// EqualJitter keeps half of delay and randomizes the rest, so the result is
// in [delay/2, delay).
func EqualJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	half := delay / 2

	return half + FullJitter(delay-half)
}

// SleepWithContext waits for d or until ctx is done. Non-positive durations
// return at once.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
