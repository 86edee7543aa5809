// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	berrors "github.com/bodhya/bodhya/pkg/errors"
)

func fastRetry() RetryConfig {
	return DefaultRetryConfig().WithInitialDelay(time.Millisecond)
}

func TestRetryRecoverableSucceeds(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return berrors.New(berrors.CodeNetwork, "connection refused", nil).WithRecoverable(true)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	cfg := fastRetry().WithMaxAttempts(2).WithIsRecoverable(func(error) bool { return true })
	err := cfg.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatalf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnUnflaggedError(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func(context.Context) error {
		attempts++
		return berrors.New(berrors.CodeChecksumMismatch, "bad digest", nil)
	})
	if !berrors.HasCode(err, berrors.CodeChecksumMismatch) {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultRetryConfig().WithInitialDelay(time.Second).WithIsRecoverable(func(error) bool { return true })
	attempts := 0
	err := cfg.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected retry to stop after cancel, got %d attempts", attempts)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !berrors.HasCode(err, berrors.CodeTimeout) {
		t.Fatalf("expected timeout code, got %v", err)
	}

	if err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithTimeoutParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, func(ctx context.Context) error { return ctx.Err() })
	if !berrors.HasCode(err, berrors.CodeCanceled) {
		t.Fatalf("expected canceled code, got %v", err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, Name: "remote"})
	cb.now = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Call(ctx, func(context.Context) error { called = true; return nil })
	if called || !berrors.HasCode(err, berrors.CodeModelUnavailable) {
		t.Fatalf("expected fast failure, called=%v err=%v", called, err)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Call(ctx, ok); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after trial success, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Call(ctx, func(context.Context) error { return errors.New("down") })
	now = now.Add(2 * time.Second)
	_ = cb.Call(ctx, func(context.Context) error { return errors.New("still down") })
	if cb.State() != StateOpen {
		t.Fatalf("expected reopen, got %s", cb.State())
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset")
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	rc := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := rc.delay(i + 1); got != w {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	rc.Jitter = 0.5
	for range 20 {
		if d := rc.delay(1); d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestRetryOnRetryHook(t *testing.T) {
	var seen []int
	cfg := fastRetry().WithMaxAttempts(3).WithIsRecoverable(func(error) bool { return true })
	cfg.OnRetry = func(attempt int, err error) {
		if err == nil {
			t.Errorf("attempt %d: expected previous error", attempt)
		}
		seen = append(seen, attempt)
	}
	_ = cfg.Do(context.Background(), func(context.Context) error { return errors.New("nope") })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("OnRetry attempts = %v, want [1 2]", seen)
	}
}
