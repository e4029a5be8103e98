// Package retry provides bounded retries and exponential backoff schedules.
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
	MaxAttempts int           // Maximum number of attempts, at least 1
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig makes a single attempt. Transient failures are picked up by
// the next sync trigger rather than retried in place.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 1,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Do executes fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. The last error is returned unwrapped of its
// retryable marker.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := NewBackoff(cfg)

	for attempt := 1; ; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		if !IsRetryable(err) {
			return result, err
		}
		if attempt >= attempts {
			return result, unwrapRetryable(err)
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(b.Next()):
		}
	}
}

func unwrapRetryable(err error) error {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Err
	}
	return err
}

// Backoff yields successive exponential delays. It is not safe for
// concurrent use; each loop owns its own.
type Backoff struct {
	cfg     Config
	attempt int
}

// NewBackoff creates a backoff schedule from cfg.
func NewBackoff(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg}
}

// Next returns the next delay and advances the schedule.
func (b *Backoff) Next() time.Duration {
	wait := float64(b.cfg.InitialWait) * math.Pow(b.cfg.Multiplier, float64(b.attempt))
	if b.cfg.MaxWait > 0 && wait > float64(b.cfg.MaxWait) {
		wait = float64(b.cfg.MaxWait)
	}
	b.attempt++

	if b.cfg.Jitter > 0 {
		jitter := wait * b.cfg.Jitter * (rand.Float64()*2 - 1)
		wait += jitter
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// Reset restarts the schedule at InitialWait.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
