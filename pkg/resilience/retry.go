// SPDX-License-Identifier: Apache-2.0

// Package resilience provides retry, timeout and circuit breaker helpers used
// around network-bound engine operations.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// RetryConfig is an exponential backoff policy. The zero value makes a
// single attempt.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier defaults to 2 when zero.
	Multiplier float64
	// Jitter is the relative spread applied to each delay; 0.1 is ±10%.
	Jitter float64

	// IsRecoverable decides whether an error is worth another attempt.
	// Nil means IsRecoverable from this package.
	IsRecoverable func(error) bool
	// OnRetry runs before each retry with the attempt number and last error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig makes three attempts starting at 200ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2,
		Jitter:        0.1,
		IsRecoverable: IsRecoverable,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do calls fn until it succeeds, returns an unrecoverable error, or runs out
// of attempts. A context canceled while waiting yields CodeCanceled.
func (rc RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = IsRecoverable
	}

	var err error
	for attempt := range attempts {
		if attempt > 0 {
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, err)
			}
			if werr := sleepCtx(ctx, rc.delay(attempt)); werr != nil {
				return errors.New(errors.CodeCanceled, "retry wait interrupted", werr).
					WithContext("attempt", attempt).
					WithContext("max_attempts", attempts)
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || !recoverable(err) {
			return err
		}
	}
	return err
}

// delay is the wait before the given retry (attempt >= 1).
func (rc RetryConfig) delay(attempt int) time.Duration {
	mult := rc.Multiplier
	if mult == 0 {
		mult = 2
	}
	d := float64(rc.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if rc.MaxDelay > 0 {
		d = math.Min(d, float64(rc.MaxDelay))
	}
	if rc.Jitter > 0 {
		d += d * rc.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(d, 0))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRecoverable reports whether err is a *errors.Error flagged Recoverable.
func IsRecoverable(err error) bool {
	e, ok := errors.As(err)
	return ok && e.Recoverable
}
