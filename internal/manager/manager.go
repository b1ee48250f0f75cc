package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/history"
	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/metrics"
	"github.com/loykin/simrunner/internal/pipe"
	"github.com/loykin/simrunner/internal/worker"
)

var (
	ErrDuplicateID = errors.New("simulation already exists")
	ErrNotFound    = errors.New("simulation not found")
	// ErrNotReady is returned for simulations still fetching their backend.
	ErrNotReady = errors.New("simulation is not started yet")
)

// WorkerKind selects where a simulation's step loop runs.
type WorkerKind string

const (
	WorkerProcess   WorkerKind = "process"
	WorkerInProcess WorkerKind = "inprocess"
)

// Options wires a Manager to the rest of the server.
type Options struct {
	Archive  *archive.Archive
	Bus      *groups.Bus
	Backends *backend.Registry

	// WorkerCommand overrides the command used for process workers.
	WorkerCommand []string
	// WorkerEnv replaces the environment of process workers when non-nil.
	WorkerEnv []string
	// LogWriter opens the output sink of a process worker rooted at dir.
	LogWriter     func(dir string) io.WriteCloser
	FrameInterval time.Duration
	CloseGrace    time.Duration
	PollPeriod    time.Duration
	FetchTimeout  time.Duration
	// RecordFrames emits a history event for every frame.
	RecordFrames bool
	Logger       *slog.Logger
}

// Manager is the registry of running simulations. It owns worker lifecycles
// and relays worker events to subscriber groups.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	onRemoved []func(id string)

	histMu sync.RWMutex
	hist   *history.Dispatcher

	// async teardowns, deferred fetches and worker watchers
	wg sync.WaitGroup
}

type entry struct {
	h           *handler
	w           worker.Worker
	placeholder bool
	cancelFetch context.CancelFunc
}

func NewManager(opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = groups.New()
	}
	if opts.Backends == nil {
		opts.Backends = backend.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
	}
}

// Bus returns the subscriber group bus the manager broadcasts to.
func (m *Manager) Bus() *groups.Bus { return m.opts.Bus }

// Archive returns the archive simulations are recorded in.
func (m *Manager) Archive() *archive.Archive { return m.opts.Archive }

// SetHistorySinks configures external history sinks (OpenSearch, ClickHouse, etc.).
// Passing no sinks disables history export.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	var d *history.Dispatcher
	if len(sinks) > 0 {
		d = history.NewDispatcher(history.Fanout(sinks), m.log, 0)
	}
	m.histMu.Lock()
	old := m.hist
	m.hist = d
	m.histMu.Unlock()
	old.Close()
}

func (m *Manager) record(t history.EventType, rec history.Record) {
	m.histMu.RLock()
	d := m.hist
	m.histMu.RUnlock()
	d.Record(history.Event{Type: t, Record: rec})
}

// Create starts a worker for id. It fails with ErrDuplicateID when id is
// already registered, including as a placeholder.
func (m *Manager) Create(id string, p backend.Parameters, kind WorkerKind) (worker.Worker, error) {
	return m.spawn(id, p, kind, false)
}

func (m *Manager) spawn(id string, p backend.Parameters, kind WorkerKind, fromPlaceholder bool) (worker.Worker, error) {
	h := newHandler(m, id, p, kind)
	w, err := m.newWorker(p, kind, h.onMessage)
	if err != nil {
		return nil, err
	}
	h.w = w

	m.mu.Lock()
	cur, exists := m.entries[id]
	switch {
	case fromPlaceholder && (!exists || !cur.placeholder):
		m.mu.Unlock()
		w.Close()
		return nil, fmt.Errorf("%w: %s was stopped while fetching", ErrNotFound, id)
	case !fromPlaceholder && exists:
		m.mu.Unlock()
		w.Close()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	e := &entry{h: h, w: w}
	m.entries[id] = e
	m.mu.Unlock()

	metrics.IncCreated(string(kind))
	m.record(history.EventCreated, h.snapshot())

	if err := w.Start(); err != nil {
		err = fmt.Errorf("start simulation %s: %w", id, err)
		m.mu.RLock()
		current := m.entries[id] == e
		m.mu.RUnlock()
		if current {
			m.stop(id, true, stopReason{code: groups.CloseUnavailable, text: err.Error(), label: "failed", failed: true})
		}
		return nil, err
	}
	m.log.Info("simulation started", "simulation", id, "worker", kind, "backend", p.Version.String())

	m.wg.Add(1)
	go m.supervise(id, w)
	return w, nil
}

func (m *Manager) newWorker(p backend.Parameters, kind WorkerKind, onMessage func(message.Instance)) (worker.Worker, error) {
	opts := worker.Options{
		Params:        p,
		Registry:      m.opts.Backends,
		OnMessage:     onMessage,
		FrameInterval: m.opts.FrameInterval,
		Logger:        m.log,
		Command:       m.opts.WorkerCommand,
		Env:           m.opts.WorkerEnv,
		CloseGrace:    m.opts.CloseGrace,
	}
	if m.opts.PollPeriod > 0 {
		opts.PollPeriod = m.opts.PollPeriod
		opts.PipeOptions = []pipe.Option{pipe.WithPollPeriod(m.opts.PollPeriod)}
	}
	switch kind {
	case WorkerInProcess:
		if m.opts.Archive == nil {
			return nil, errors.New("in-process workers need an archive")
		}
		frames, err := m.opts.Archive.Appender(p.ID)
		if err != nil {
			return nil, err
		}
		opts.Frames = frames
		return worker.NewInProcess(opts), nil
	case WorkerProcess:
		if m.opts.LogWriter != nil {
			opts.LogWriter = m.opts.LogWriter(p.RootDir)
		}
		return worker.NewProcess(opts), nil
	default:
		return nil, fmt.Errorf("unknown worker kind %q", kind)
	}
}

// stopReason describes why an entry leaves the registry.
type stopReason struct {
	code   groups.CloseCode
	text   string
	label  string
	failed bool
}

var stopRequested = stopReason{code: groups.CloseNormal, label: "stopped"}

// Stop removes id from the registry and closes its group. Unless removeOnly
// is set the worker is told to close in the background. It reports whether
// id was registered.
func (m *Manager) Stop(id string, removeOnly bool) bool {
	return m.stop(id, removeOnly, stopRequested)
}

func (m *Manager) stop(id string, removeOnly bool, why stopReason) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	hooks := m.onRemoved
	m.mu.Unlock()
	if ok {
		for _, fn := range hooks {
			fn(id)
		}
	}

	if ok && m.opts.Archive != nil {
		m.opts.Archive.MarkOffline(id)
	}
	m.opts.Bus.CloseGroup(groups.SimComms(id), why.code, why.text)
	if !ok {
		return false
	}
	if e.cancelFetch != nil {
		e.cancelFetch()
	}
	if !removeOnly && e.w != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			e.w.Close()
		}()
	}

	metrics.IncStopped(why.label)
	rec := e.h.snapshot()
	evt := history.EventStopped
	if why.failed {
		evt = history.EventFailed
		rec.Error = why.text
	}
	m.record(evt, rec)
	m.log.Info("simulation removed", "simulation", id, "reason", why.label, "remove_only", removeOnly)
	return true
}

// OnRemoved registers fn to run whenever a simulation leaves the registry,
// whatever the reason. fn must not call back into the Manager.
func (m *Manager) OnRemoved(fn func(id string)) {
	m.mu.Lock()
	m.onRemoved = append(m.onRemoved, fn)
	m.mu.Unlock()
}

// IsRunning reports whether id is registered and its worker is alive.
// Simulations still fetching their backend count as running; a worker that
// is already stopping does not.
func (m *Manager) IsRunning(id string) bool {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	return ok && (e.w == nil || e.w.IsRunning())
}

// SendMessage delivers msg to the worker of id.
func (m *Manager) SendMessage(id string, msg message.Instance) error {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.w == nil {
		return fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	e.w.Send(msg)
	return nil
}

// Info is a point-in-time view of a registered simulation.
type Info struct {
	ID      string     `json:"uuid"`
	Name    string     `json:"name"`
	Backend string     `json:"backend"`
	Worker  WorkerKind `json:"worker"`
	State   string     `json:"state"`
	PID     int32      `json:"pid,omitempty"`
	Frames  int        `json:"frames"`
}

func (e *entry) info() Info {
	in := Info{
		ID:      e.h.id,
		Name:    e.h.params.Name,
		Backend: e.h.params.Version.String(),
		Worker:  e.h.kind,
		Frames:  e.h.frameCount(),
		State:   "fetching",
	}
	if e.w != nil {
		in.State = e.w.State().String()
		in.PID = e.w.PID()
	}
	return in
}

// Get returns the Info of id.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.info(), nil
}

// List returns all registered simulations ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkerPIDs maps running process workers to their pids.
func (m *Manager) WorkerPIDs() map[string]int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int32)
	for id, e := range m.entries {
		if e.w == nil {
			continue
		}
		if pid := e.w.PID(); pid > 0 {
			out[id] = pid
		}
	}
	return out
}

// Shutdown stops every simulation and waits up to timeout for workers and
// background tasks to finish. History sinks are flushed last.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.stop(id, false, stopReason{code: groups.CloseUnavailable, text: "server shutting down", label: "shutdown"})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("shutdown timed out after %s", timeout)
		m.log.Warn("simulations still closing", "timeout", timeout)
	}
	m.SetHistorySinks()
	return err
}
