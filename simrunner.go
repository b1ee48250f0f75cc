// Package simrunner runs simulations behind an HTTP and websocket API. It
// wires the archive, the simulation manager, history sinks and metrics from a
// single Config so the server can be embedded in another program.
package simrunner

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	cfg "github.com/loykin/simrunner/internal/config"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/history"
	"github.com/loykin/simrunner/internal/history/factory"
	"github.com/loykin/simrunner/internal/manager"
	"github.com/loykin/simrunner/internal/metrics"
	iapi "github.com/loykin/simrunner/internal/server"
	itls "github.com/loykin/simrunner/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type CreateRequest = manager.CreateRequest

type Info = manager.Info

type BackendVersion = backend.Version

type HistorySink = history.Sink

// LoadConfig reads a TOML config file; an empty path yields the defaults.
// SIMRUNNER_* environment variables override file values.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// Server owns every component of a running simrunner instance.
type Server struct {
	cfg     *Config
	log     *slog.Logger
	mgr     *manager.Manager
	sims    *manager.Simulations
	router  *iapi.Router
	workers *metrics.WorkerCollector
	tlsCfg  *tls.Config

	httpSrv    *http.Server
	metricsSrv *http.Server
	cancel     context.CancelFunc
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	backends *backend.Registry
	sinks    []history.Sink
}

// WithLogger replaces the logger built from the log config section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithBackends replaces the built-in backend registry. Worker processes only
// know the built-in engines, so engines registered here need
// runner.worker_mode = "inprocess".
func WithBackends(r *backend.Registry) Option { return func(o *options) { o.backends = r } }

// WithHistorySinks adds sinks besides those configured by DSN.
func WithHistorySinks(s ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// New assembles a Server from c. Nothing listens until Start.
func New(c *Config, opts ...Option) (*Server, error) {
	if c == nil {
		c = cfg.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = c.Log.NewSlogger()
	}
	if o.backends == nil {
		o.backends = backend.Default()
	} else if c.Runner.WorkerMode == cfg.WorkerModeProcess {
		if tags := childUnknownTags(o.backends); len(tags) > 0 {
			return nil, fmt.Errorf("backends %v cannot run in worker processes, set runner.worker_mode = %q",
				tags, cfg.WorkerModeInProcess)
		}
	}

	tlsCfg, err := itls.SetupTLS(c.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("setup TLS: %w", err)
	}
	arc, err := archive.Open(c.Archive.Root)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	workerEnv, err := c.Runner.WorkerEnv()
	if err != nil {
		return nil, err
	}

	sinks := o.sinks
	if c.History.Enabled {
		for _, dsn := range c.History.Sinks {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				return nil, fmt.Errorf("history sink: %w", err)
			}
			sinks = append(sinks, s)
		}
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	workers := metrics.NewWorkerCollector(c.Metrics.Workers)
	if c.Metrics.Enabled && workers.IsEnabled() {
		if err := workers.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("worker metrics not registered", "error", err)
		}
	}

	mgr := manager.NewManager(manager.Options{
		Archive:       arc,
		Bus:           groups.New(),
		Backends:      o.backends,
		WorkerCommand: c.Runner.WorkerCommand,
		WorkerEnv:     workerEnv,
		LogWriter:     c.Log.SimulationWriter,
		FrameInterval: c.Runner.FrameInterval,
		CloseGrace:    c.Runner.CloseGrace,
		PollPeriod:    c.Runner.PollPeriod,
		FetchTimeout:  c.Backends.FetchTimeout,
		RecordFrames:  c.History.RecordFrames,
		Logger:        log,
	})
	if len(sinks) > 0 {
		mgr.SetHistorySinks(sinks...)
	}
	sims := manager.NewSimulations(mgr, manager.SimulationsConfig{
		DefaultWorker: manager.WorkerKind(c.Runner.WorkerMode),
		DeltaTime:     c.Backends.DeltaTime,
		Fetcher:       backend.GitFetcher{Git: c.Backends.Git},
		Logger:        log,
	})
	router := iapi.NewRouter(sims, iapi.Options{
		BasePath:       c.Server.BasePath,
		AllowedOrigins: c.Server.AllowedOrigins,
		Workers:        workers,
		ServeMetrics:   c.Metrics.Enabled && c.Metrics.Listen == "",
		Logger:         log,
	})
	return &Server{cfg: c, log: log, mgr: mgr, sims: sims, router: router, workers: workers, tlsCfg: tlsCfg}, nil
}

// childUnknownTags lists the engines of r a worker process could not build.
func childUnknownTags(r *backend.Registry) []string {
	builtin := backend.Default()
	var out []string
	for _, tag := range r.Tags() {
		if !builtin.Has(backend.Version{Tag: tag}) {
			out = append(out, tag)
		}
	}
	return out
}

// Handler returns the API handler for mounting into another server.
func (s *Server) Handler() http.Handler { return s.router.Handler() }

// Register mounts the API routes on an existing gin group.
func (s *Server) Register(g gin.IRoutes) { s.router.Register(g) }

func (s *Server) Manager() *manager.Manager { return s.mgr }

// Create starts a simulation as if requested over HTTP.
func (s *Server) Create(req CreateRequest) (string, error) { return s.sims.Create(req) }

// Stop stops a running simulation.
func (s *Server) Stop(id string) error { return s.sims.Stop(id) }

func (s *Server) List() []Info { return s.mgr.List() }

// Addr returns the address the API listens on once started.
func (s *Server) Addr() string {
	if s.httpSrv == nil {
		return ""
	}
	return s.httpSrv.Addr
}

// Start begins sampling workers and serving the API (and metrics when a
// separate listen address is configured). It returns once listening.
func (s *Server) Start(ctx context.Context) error {
	if s.httpSrv != nil {
		return errors.New("server already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.workers.Start(ctx, s.mgr.WorkerPIDs)

	srv, err := iapi.NewServer(s.cfg.Server.Listen, s.Handler(), s.cfg.Server.ReadHeaderTimeout, s.tlsCfg, s.log)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	s.httpSrv = srv
	s.log.Info("simrunner listening", "addr", srv.Addr, "tls", s.tlsCfg != nil, "base_path", s.cfg.Server.BasePath,
		"worker_mode", s.cfg.Runner.WorkerMode, "archive", s.cfg.Archive.Root)

	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv, err := iapi.NewServer(s.cfg.Metrics.Listen, mux, s.cfg.Server.ReadHeaderTimeout, nil, s.log)
		if err != nil {
			_ = srv.Close()
			s.cancel()
			return fmt.Errorf("listen metrics %s: %w", s.cfg.Metrics.Listen, err)
		}
		s.metricsSrv = msrv
		s.log.Info("metrics listening", "addr", msrv.Addr)
	}
	return nil
}

// Shutdown stops accepting requests, stops every simulation and flushes
// history sinks. Workers get runner.shutdown_timeout to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{s.httpSrv, s.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			// hijacked websocket connections are not tracked by Shutdown
			_ = srv.Close()
			errs = append(errs, err)
		}
	}
	timeout := s.cfg.Runner.ShutdownTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = max(left, 0)
		}
	}
	if err := s.mgr.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Stop()
	return errors.Join(errs...)
}
