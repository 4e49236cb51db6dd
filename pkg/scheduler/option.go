package scheduler

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

type Option func(s *Scheduler) error

// WithLogger returns an Option which sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = logger
		return nil
	}
}

// WithTick returns an Option which sets the polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) error {
		if d <= 0 {
			return errors.New("tick must be positive")
		}
		s.tick = d
		return nil
	}
}

// WithClock returns an Option which overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) error {
		s.now = now
		return nil
	}
}
