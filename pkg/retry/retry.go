// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/okian/scanreward/pkg/logger"
)

// ErrAttemptRefused is returned when BeforeAttempt vetoes an attempt.
var ErrAttemptRefused = errors.New("retry attempt refused")

// Config holds the configuration for retry operations.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterFactor adds up to this fraction of the delay at random.
	JitterFactor float64
	// ShouldRetry decides whether err from attempt (1-based) is retried.
	// Nil retries every error.
	ShouldRetry func(err error, attempt int) bool
	// BeforeAttempt runs before every attempt; a non-nil error stops the
	// loop and is returned wrapped in ErrAttemptRefused.
	BeforeAttempt func(attempt int) error
	// OnRetry observes a failed attempt that will be retried.
	OnRetry func(err error, attempt int, wait time.Duration)
}

// DefaultConfig returns two retries with a short exponential backoff.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
	}
}

// Validate checks the configuration for reasonable values.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("MaxRetries must be >= 0")
	}
	if c.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if c.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be >= 1.0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1.0 {
		return errors.New("JitterFactor must be between 0.0 and 1.0")
	}
	return nil
}

// secureFloat64 returns a random float64 in [0.0,1.0).
func secureFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return mathrand.Float64() //nolint:gosec // jitter only
	}
	return float64(binary.BigEndian.Uint64(b[:])) / (1 << 64)
}

// DelayWithJitter applies jitter to a base delay.
func DelayWithJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	return base + time.Duration(jitterFactor*float64(base)*secureFloat64())
}

// NextDelay computes the next exponential delay capped at maxDelay.
func NextDelay(current time.Duration, factor float64, maxDelay time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > maxDelay {
		next = maxDelay
	}
	return next
}

// Do executes op until it succeeds, ShouldRetry rejects the error, or the
// retry budget is spent. The returned int is the number of attempts made.
func Do[T any](ctx context.Context, cfg *Config, log logger.Logger, op func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Validate(); err != nil {
		return zero, 0, fmt.Errorf("invalid retry config: %w", err)
	}

	delay := cfg.InitialDelay
	var lastErr error
	maxAttempts := cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cfg.BeforeAttempt != nil {
			if err := cfg.BeforeAttempt(attempt); err != nil {
				if lastErr != nil {
					return zero, attempt - 1, fmt.Errorf("%w before attempt %d: %w (last error: %w)", ErrAttemptRefused, attempt, err, lastErr)
				}
				return zero, attempt - 1, fmt.Errorf("%w before attempt %d: %w", ErrAttemptRefused, attempt, err)
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err, attempt) {
			return zero, attempt, err
		}

		wait := DelayWithJitter(delay, cfg.JitterFactor)
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt, wait)
		}
		if log != nil {
			log.Warn(ctx, "attempt failed, retrying",
				logger.Int("attempt", attempt),
				logger.Int("max_attempts", maxAttempts),
				logger.Duration("wait", wait),
				logger.Error(err),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			delay = NextDelay(delay, cfg.BackoffFactor, cfg.MaxDelay)
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, fmt.Errorf("retry interrupted: %w (last error: %w)", ctx.Err(), lastErr)
		}
	}

	return zero, maxAttempts, fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}
