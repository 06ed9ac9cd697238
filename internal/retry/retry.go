// Package retry implements exponential backoff for remote operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
)

// Config controls retry behavior.
type Config struct {
	MaxAttempts int           // attempts made by Do (default: 3)
	InitialWait time.Duration // wait before the first retry (default: 500ms)
	MaxWait     time.Duration // cap on any single wait (default: 30s)
	Multiplier  float64       // backoff multiplier (default: 2.0)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// Backoff returns the wait after the given number of failed attempts
// (attempts >= 1).
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(c.InitialWait)
	for i := 1; i < attempts; i++ {
		wait *= mult
		if c.MaxWait > 0 && wait > float64(c.MaxWait) {
			return c.MaxWait
		}
	}
	if c.MaxWait > 0 && time.Duration(wait) > c.MaxWait {
		return c.MaxWait
	}
	return time.Duration(wait)
}

// Retryable reports whether err is a transient remote failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, common.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Error is returned by Do once it gives up.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out.
func Do[T any](ctx context.Context, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt == cfg.MaxAttempts {
			return zero, &Error{Op: op, Attempts: attempt, Err: err}
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
