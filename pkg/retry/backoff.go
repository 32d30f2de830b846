// Package retry provides exponential backoff with jitter for idempotent remote
// calls such as S3 uploads, CalDAV queries and relay submissions.
//
//	err := retry.WithRetryAdvanced(ctx, func() error {
//		if err := call(); err != nil {
//			if permanent(err) {
//				return retry.Stop(err)
//			}
//			return err
//		}
//		return nil
//	}, retry.DefaultBackoffConfig())
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/migadu/soracal/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	// MaxRetries counts retries after the first attempt.
	MaxRetries int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the wait before retry number attempt (1-based).
// With jitter the wait is drawn from [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := config.InitialInterval
		for i := 1; i < attempt && d < config.MaxInterval; i++ {
			d = time.Duration(float64(d) * config.Multiplier)
		}
		if d > config.MaxInterval {
			d = config.MaxInterval
		}
		if config.Jitter && d > 1 {
			half := d / 2
			d = half + time.Duration(rand.Int63n(int64(half)))
		}
		return d
	}
}

type RetryableFunc func() error

// StopError marks an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop wraps err so WithRetryAdvanced returns it at once, unwrapped.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetryAdvanced calls fn until it succeeds, returns a Stop error, the
// retries are used up or ctx is done.
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)
	attempts := config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			logger.Debug("Retry: permanent error, giving up", "attempt", attempt, "error", stopErr.Err)
			return stopErr.Err
		}
		lastErr = err
		logger.Debug("Retry: attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
