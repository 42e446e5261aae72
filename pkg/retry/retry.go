// Package retry runs calls to the vault server again when they fail transiently.
//
// Only errors marked with Retryable (or After, when the server said how long to
// wait) are retried; everything else is returned at once.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time, also caps server-requested waits
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns defaults for interactive clients: a user is waiting, so give up
// after a few seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError marks an error as transient. Wait, when positive, replaces the
// computed backoff for the next attempt.
type RetryableError struct {
	Err  error
	Wait time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err was marked with Retryable or After.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// After marks err as transient and asks for wait before the next attempt, as a
// Retry-After header does.
func After(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, Wait: wait}
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns its result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		var re *RetryableError
		if !errors.As(err, &re) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.MaxAttempts != 0 && attempt >= cfg.MaxAttempts {
			return zero, err
		}

		wait := cfg.backoff(attempt)
		if re.Wait > 0 {
			wait = cfg.cap(re.Wait)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// backoff returns the wait before the attempt following the given one.
func (cfg Config) backoff(attempt int) time.Duration {
	wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if wait < 0 {
		return 0
	}
	return time.Duration(wait)
}

func (cfg Config) cap(d time.Duration) time.Duration {
	if cfg.MaxWait > 0 && d > cfg.MaxWait {
		return cfg.MaxWait
	}
	return d
}
