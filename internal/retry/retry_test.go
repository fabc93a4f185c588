package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("unavailable"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3/3", attempts, calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("not found")
	calls := 0
	attempts, err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("attempts=%d calls=%d, want 1/1", attempts, calls)
	}
}

func TestDoUnwrapsExhaustedRetryable(t *testing.T) {
	cause := errors.New("timeout")
	attempts, err := Do(context.Background(), fastConfig(2), func() error {
		return Retryable(cause)
	})
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if IsRetryable(err) {
		t.Error("exhausted error should not stay wrapped")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause, got %v", err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Config{MaxAttempts: 3, InitialWait: time.Second}, func() error {
		return Retryable(errors.New("busy"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOnceAndZeroConfig(t *testing.T) {
	for _, cfg := range []Config{Once(), {}} {
		calls := 0
		_, _ = Do(context.Background(), cfg, func() error {
			calls++
			return Retryable(errors.New("x"))
		})
		if calls != 1 {
			t.Errorf("config %+v: calls = %d, want 1", cfg, calls)
		}
	}
}

func TestDoWithResult(t *testing.T) {
	v, attempts, err := DoWithResult(context.Background(), fastConfig(2), func() (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 || attempts != 1 {
		t.Fatalf("got (%d, %d, %v)", v, attempts, err)
	}
}
