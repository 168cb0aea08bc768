package repository

import (
	"time"

	"github.com/okian/scanreward/pkg/logger"
)

// Option applies a configuration option to a store.
type Option func(*settings)

type settings struct {
	logger logger.Logger
	now    func() time.Time
}

func newSettings(component string, opts []Option) settings {
	s := settings{
		logger: logger.Get().Named(component),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for version bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}
