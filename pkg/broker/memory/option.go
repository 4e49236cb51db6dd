package memory

import (
	"fmt"

	"go.uber.org/zap"
)

type Option func(b *Bus) error

// WithLogger returns an Option which sets the bus logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) error {
		b.logger = logger
		return nil
	}
}

// WithBufferSize returns an Option which sets the per-subscriber queue size.
func WithBufferSize(n int) Option {
	return func(b *Bus) error {
		if n <= 0 {
			return fmt.Errorf("buffer size must be positive, got %d", n)
		}
		b.bufferSize = n
		return nil
	}
}
