package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/worker"
)

// FetchFunc downloads a simulation's backend, reporting progress lines.
type FetchFunc func(ctx context.Context, progress func(line string)) error

const cloneErrorBanner = "===== Clone Error =====\n"

// supervise waits for a worker to exit and drops a registry entry the worker
// left behind without closing.
func (m *Manager) supervise(id string, w worker.Worker) {
	defer m.wg.Done()
	<-w.Done()
	m.mu.RLock()
	e, ok := m.entries[id]
	stale := ok && e.w == w
	m.mu.RUnlock()
	if stale {
		m.log.Warn("worker exited without closing", "simulation", id)
		m.stop(id, true, stopReason{code: groups.CloseNormal, text: "worker exited", label: "failed", failed: true})
	}
}

// CreateDeferred registers a placeholder for id and starts the worker once
// fetch succeeds. Progress lines and the outcome are broadcast to the
// initlogs/<id> group, which is closed when fetching ends.
func (m *Manager) CreateDeferred(id string, p backend.Parameters, kind WorkerKind, fetch FetchFunc) error {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.opts.FetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.opts.FetchTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	m.mu.Lock()
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	m.entries[id] = &entry{h: newHandler(m, id, p, kind), placeholder: true, cancelFetch: cancel}
	m.mu.Unlock()

	logs := groups.InitLogs(id)
	if err := m.opts.Bus.CreateGroup(logs); err != nil {
		m.log.Warn("init log group not created", "simulation", id, "error", err)
	}
	m.log.Info("fetching backend", "simulation", id, "backend", p.Version.String())

	m.wg.Add(1)
	go m.runDeferred(ctx, cancel, id, p, kind, fetch)
	return nil
}

func (m *Manager) runDeferred(ctx context.Context, cancel context.CancelFunc, id string, p backend.Parameters, kind WorkerKind, fetch FetchFunc) {
	defer m.wg.Done()
	defer cancel()
	bus := m.opts.Bus
	logs := groups.InitLogs(id)

	err := fetch(ctx, func(line string) {
		bus.Broadcast(logs, message.InfoLog{Text: line})
	})
	if err != nil && errors.Is(ctx.Err(), context.Canceled) && !m.IsRunning(id) {
		// stopped while fetching
		bus.CloseGroup(logs, groups.CloseNormal, "")
		return
	}
	if err != nil {
		text := cloneErrorBanner + err.Error()
		m.log.Warn("backend fetch failed", "simulation", id, "error", err)
		bus.Broadcast(logs, message.InfoLog{Text: text})
		bus.CloseGroup(logs, groups.CloseFetchFailed, text)
		m.removePlaceholder(id, text)
		return
	}

	if _, err := m.spawn(id, p, kind, true); err != nil {
		if errors.Is(err, ErrNotFound) {
			bus.CloseGroup(logs, groups.CloseNormal, "")
			return
		}
		text := err.Error()
		bus.Broadcast(logs, message.InfoLog{Text: text})
		bus.CloseGroup(logs, groups.CloseUnavailable, text)
		m.removePlaceholder(id, text)
		return
	}
	bus.Broadcast(logs, message.CloseInfoLog{})
	bus.CloseGroup(logs, groups.CloseNormal, "")
}

// removePlaceholder drops id when it is still waiting for its backend.
func (m *Manager) removePlaceholder(id, text string) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok || !e.placeholder {
		return
	}
	m.stop(id, true, stopReason{code: groups.CloseFetchFailed, text: text, label: "fetch_failed", failed: true})
}
