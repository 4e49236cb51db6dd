package server

import (
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/broker"
	"github.com/fwbackups/fwbackupd/pkg/engine"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
)

type Option func(s *Server) error

// WithAddr returns an Option which set the server listening address.
// A "unix://" prefix selects a unix socket.
func WithAddr(addr string) Option {
	return func(s *Server) error {
		s.Addr = addr
		return nil
	}
}

// WithStore returns an Option which set the backup-set store.
func WithStore(store *backupset.Store) Option {
	return func(s *Server) error {
		s.store = store
		return nil
	}
}

// WithRegistry returns an Option which set the job registry.
func WithRegistry(registry *jobs.Registry) Option {
	return func(s *Server) error {
		s.registry = registry
		return nil
	}
}

// WithEngine returns an Option which set the execution engine.
func WithEngine(e *engine.Engine) Option {
	return func(s *Server) error {
		s.engine = e
		return nil
	}
}

// WithBus returns an Option which set the in-process event bus.
func WithBus(b broker.Broker) Option {
	return func(s *Server) error {
		s.bus = b
		return nil
	}
}

// WithBridge returns an Option which set a remote broker that engine events
// are republished to, under the given topic.
func WithBridge(b broker.Broker, topic string) Option {
	return func(s *Server) error {
		s.bridge = b
		s.bridgeTopic = topic
		return nil
	}
}

// WithLogger returns an Option which set the logger for Server.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}
