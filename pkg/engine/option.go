package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/archive"
)

type Option func(e *Engine) error

// WithLogger returns an Option which sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithWorkers returns an Option which caps how many jobs run at once.
func WithWorkers(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return errors.New("worker count must be positive")
		}
		e.workers = int64(n)
		return nil
	}
}

// WithPacker returns an Option which sets the archival primitive.
func WithPacker(p archive.Packer) Option {
	return func(e *Engine) error {
		e.packer = p
		return nil
	}
}

// WithLocker returns an Option which sets the shared archive lock registry.
func WithLocker(l *archive.Locker) Option {
	return func(e *Engine) error {
		e.locker = l
		return nil
	}
}
