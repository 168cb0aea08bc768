package executor

import (
	"time"

	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/retry"
)

// Option applies a configuration option to the Executor.
type Option func(*Executor)

// WithConcurrency bounds the number of transfers in flight.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRetry sets the per-transfer retry policy. ShouldRetry and
// BeforeAttempt are always overridden by the executor.
func WithRetry(cfg retry.Config) Option {
	return func(e *Executor) {
		e.retry = cfg
	}
}

// WithRunTimeout sets the overall run deadline. Zero disables it.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.runTimeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRunIDs replaces the run id generator.
func WithRunIDs(gen func() string) Option {
	return func(e *Executor) {
		if gen != nil {
			e.newRunID = gen
		}
	}
}
