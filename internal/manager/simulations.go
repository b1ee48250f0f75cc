package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/message"
)

// ErrInvalidRequest marks creation requests rejected before anything was
// spawned.
var ErrInvalidRequest = errors.New("invalid simulation request")

// CreateRequest is the body of a creation request.
type CreateRequest struct {
	Name    string          `json:"name"`
	Source  string          `json:"source"`
	Backend backend.Version `json:"backend"`
}

// DecodeCreateRequest parses and validates a creation request body. name and
// source are required strings; backend defaults to the built-in model.
func DecodeCreateRequest(b []byte) (CreateRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return CreateRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var req CreateRequest
	for _, f := range []struct {
		key string
		dst *string
	}{{"name", &req.Name}, {"source", &req.Source}} {
		v, ok := raw[f.key]
		if !ok {
			return req, fmt.Errorf("%w: missing %q", ErrInvalidRequest, f.key)
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return req, fmt.Errorf("%w: %q must be a string", ErrInvalidRequest, f.key)
		}
	}
	if req.Name == "" {
		return req, fmt.Errorf("%w: empty name", ErrInvalidRequest)
	}
	req.Backend = backend.Version{Tag: backend.DefaultTag}
	if v, ok := raw["backend"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &req.Backend); err != nil {
			return req, fmt.Errorf("%w: backend: %v", ErrInvalidRequest, err)
		}
	}
	return req, nil
}

// SimulationsConfig tunes the creation service.
type SimulationsConfig struct {
	// DefaultWorker is used for built-in backends; fetched backends always
	// run in a worker process.
	DefaultWorker WorkerKind
	DeltaTime     float64
	Fetcher       backend.Fetcher
	Logger        *slog.Logger
}

// Simulations turns client requests into registered, running simulations.
type Simulations struct {
	m   *Manager
	cfg SimulationsConfig
	log *slog.Logger

	mu       sync.Mutex
	requests map[string]CreateRequest
}

func NewSimulations(m *Manager, cfg SimulationsConfig) *Simulations {
	if cfg.DefaultWorker == "" {
		cfg.DefaultWorker = WorkerProcess
	}
	if cfg.DeltaTime <= 0 {
		cfg.DeltaTime = backend.DefaultDeltaTime
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = backend.GitFetcher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	s := &Simulations{m: m, cfg: cfg, log: cfg.Logger, requests: make(map[string]CreateRequest)}
	m.OnRemoved(s.forget)
	return s
}

// Manager returns the registry behind the service.
func (s *Simulations) Manager() *Manager { return s.m }

// Create validates req, allocates an id, registers the simulation with the
// archive, creates its groups and starts it. Fetched backends start once the
// clone finished.
func (s *Simulations) Create(req CreateRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidRequest)
	}
	if req.Backend == (backend.Version{}) {
		req.Backend = backend.Version{Tag: backend.DefaultTag}
	}
	if !s.m.opts.Backends.Has(req.Backend) {
		return "", fmt.Errorf("%w: %w %q", ErrInvalidRequest, backend.ErrUnknownBackend, req.Backend.String())
	}
	arc := s.m.opts.Archive
	if arc == nil {
		return "", errors.New("no archive configured")
	}

	id := uuid.NewString()
	remote := req.Backend.IsRemote()
	paths, err := arc.RegisterSimulation(id, "./"+id, req.Name, remote, map[string]any{
		"backend_version": req.Backend,
	})
	if err != nil {
		return "", fmt.Errorf("register simulation: %w", err)
	}
	p := backend.Parameters{
		ID:               id,
		Name:             req.Name,
		Source:           req.Source,
		DeltaTime:        s.cfg.DeltaTime,
		RootDir:          paths.Root,
		CacheDir:         paths.Cache,
		CacheRelPrefix:   paths.RelCache,
		BackendDir:       paths.Backend,
		BackendRelPrefix: paths.RelBackend,
		Version:          req.Backend,
	}

	bus := s.m.opts.Bus
	if err := bus.CreateGroup(groups.SimComms(id)); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.requests[id] = req
	s.mu.Unlock()

	s.log.Info("creating simulation", "simulation", id, "name", req.Name, "backend", req.Backend.String())
	if remote {
		fetcher := s.cfg.Fetcher
		v := req.Backend
		err = s.m.CreateDeferred(id, p, WorkerProcess, func(ctx context.Context, progress func(string)) error {
			return fetcher.Fetch(ctx, v.URL, v.Branch, paths.Backend, progress)
		})
	} else {
		_, err = s.m.Create(id, p, s.cfg.DefaultWorker)
	}
	if err != nil {
		bus.CloseGroup(groups.SimComms(id), groups.CloseUnavailable, err.Error())
		arc.MarkOffline(id)
		s.forget(id)
		return "", err
	}
	return id, nil
}

func (s *Simulations) known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requests[id]
	return ok
}

func (s *Simulations) forget(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
}

// Stop stops a simulation. It returns ErrNotFound when id is not running.
func (s *Simulations) Stop(id string) error {
	if !s.m.Stop(id, false) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Header describes a simulation to a (re)joining client.
func (s *Simulations) Header(id string) (message.SimHeader, error) {
	arc := s.m.opts.Archive
	if arc == nil {
		return message.SimHeader{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sum, err := arc.Summary(id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return message.SimHeader{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return message.SimHeader{}, err
	}
	return message.SimHeader{
		UUID:       sum.ID,
		Name:       sum.Name,
		FrameCount: sum.NumFrames,
		IsOnline:   sum.Online && s.m.IsRunning(id),
	}, nil
}

// Reload creates a fresh simulation from the request that created id, tells
// id's subscribers where to go and stops id. Only running simulations can be
// reloaded.
func (s *Simulations) Reload(id string) (string, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := s.Create(req)
	if err != nil {
		return "", err
	}
	s.m.opts.Bus.Broadcast(groups.SimComms(id), message.ReloadDone{UUID: next})
	s.m.Stop(id, false)
	return next, nil
}
