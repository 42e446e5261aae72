package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     2 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return Retryable(errors.New("still failing"))
	})
	if err == nil || !IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(0), func() error {
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errors.New("again"))
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 10}
	if got := cfg.backoff(5); got != 3*time.Second {
		t.Errorf("backoff = %s", got)
	}
}

func TestAfterOverridesBackoff(t *testing.T) {
	tests := []struct {
		name    string
		wait    time.Duration
		maxWait time.Duration
		want    time.Duration
	}{
		{"server wait used", 3 * time.Millisecond, time.Second, 3 * time.Millisecond},
		{"capped by max wait", time.Hour, 2 * time.Millisecond, 2 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var waits []time.Duration
			cfg := Config{
				MaxAttempts: 2,
				InitialWait: time.Millisecond,
				MaxWait:     tt.maxWait,
				Multiplier:  2,
				OnRetry: func(attempt int, err error, wait time.Duration) {
					waits = append(waits, wait)
				},
			}
			calls := 0
			err := Do(context.Background(), cfg, func() error {
				calls++
				if calls == 1 {
					return After(errors.New("busy"), tt.wait)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			if len(waits) != 1 || waits[0] != tt.want {
				t.Errorf("waits = %v, want [%s]", waits, tt.want)
			}
		})
	}
}

func TestOnRetryNotCalledOnLastAttempt(t *testing.T) {
	var attempts []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		attempts = append(attempts, attempt)
	}
	_ = Do(context.Background(), cfg, func() error {
		return Retryable(errors.New("down"))
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v", attempts)
	}
}
