package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/valve"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/backupset"
	"github.com/fwbackups/fwbackupd/pkg/broker"
	"github.com/fwbackups/fwbackupd/pkg/engine"
	"github.com/fwbackups/fwbackupd/pkg/jobs"
)

// Server is the HTTP control surface of the agent. Frontends (the desktop UI,
// the CLI client) talk to it over a unix socket or TCP; it never renders
// anything itself.
type Server struct {
	Addr        string
	router      *chi.Mux
	useUnixSock bool

	store    *backupset.Store
	registry *jobs.Registry
	engine   *engine.Engine

	// bus carries engine events; bridge optionally republishes them to a
	// remote broker under bridgeTopic.
	bus         broker.Broker
	bridge      broker.Broker
	bridgeTopic string

	// signal chan use for testing.
	testSignalCh chan os.Signal

	logger *zap.Logger
}

// New creates new server instance.
func New(opts ...Option) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.router = chi.NewRouter()

	if s.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		s.logger = l
	}

	s.setupRoutes()
	s.useUnixSock = strings.HasPrefix(s.Addr, "unix://")
	s.Addr = strings.TrimPrefix(s.Addr, "unix://")

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Route("/sets", func(r chi.Router) {
		r.Get("/", s.ListSets)
		r.Post("/", s.CreateSet)
		r.Get("/export", s.ExportSets)
		r.Post("/import", s.ImportSets)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.GetSet)
			r.Put("/", s.UpdateSet)
			r.Delete("/", s.DeleteSet)
			r.Post("/enabled", s.SetEnabled)
			r.Post("/run", s.RunSet)
			r.Get("/archives", s.ListArchives)
		})
	})

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.ListJobs)
		r.Post("/purge", s.PurgeJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetJob)
			r.Get("/log", s.GetJobLog)
			r.Post("/cancel", s.CancelJob)
		})
	})

	s.router.Post("/restore", s.StartRestore)
}

// handleBusEvent republishes an engine event to the remote bridge broker.
func (s *Server) handleBusEvent(e broker.Event) error {
	if s.bridge == nil {
		return nil
	}
	if err := s.bridge.Publish(s.bridgeTopic, e.Payload); err != nil {
		s.logger.Warn("failed to republish event", zap.Error(err))
	}
	return nil
}

func (s *Server) Run() error {
	// Graceful valve shut-off package to manage code preemption and shutdown signaling.
	valv := valve.New()
	baseCtx := valv.Context()

	if s.bus != nil {
		if err := s.bus.Subscribe([]string{broker.TopicEvents}, s.handleBusEvent); err != nil {
			return err
		}
	}

	go func(ctx context.Context) {
		if s.bridge == nil {
			return
		}
		b := &backoff.Backoff{Jitter: true}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := s.bridge.Connect(); err != nil {
				s.logger.Warn("bridge broker connect failed, retrying", zap.Error(err))
				time.Sleep(b.Duration())
				continue
			}
			return
		}
	}(baseCtx)

	srv := http.Server{Handler: chi.ServerBaseContext(baseCtx, s.router)}

	c := make(chan os.Signal, 1)
	if s.testSignalCh != nil {
		c = s.testSignalCh
	}
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c
		s.logger.Info("shutting down...")

		if err := valv.Shutdown(20 * time.Second); err != nil {
			s.logger.Error("failed to shutdown valv")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown http server")
		}

		if s.engine != nil {
			s.engine.Close()
		}
	}()

	if s.useUnixSock {
		unixListener, err := net.Listen("unix", s.Addr)
		if err != nil {
			return err
		}
		return srv.Serve(unixListener)
	}

	srv.Addr = s.Addr
	return srv.ListenAndServe()
}
