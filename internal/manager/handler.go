package manager

import (
	"sync/atomic"

	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/history"
	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/metrics"
	"github.com/loykin/simrunner/internal/worker"
)

// handler reacts to the messages of one simulation's worker. onMessage is
// called from the worker's delivery goroutine, one message at a time.
type handler struct {
	m      *Manager
	id     string
	params backend.Parameters
	kind   WorkerKind
	w      worker.Worker

	frames  atomic.Int64
	lastErr atomic.Value // string
}

func newHandler(m *Manager, id string, p backend.Parameters, kind WorkerKind) *handler {
	return &handler{m: m, id: id, params: p, kind: kind}
}

func (h *handler) frameCount() int { return int(h.frames.Load()) }

func (h *handler) snapshot() history.Record {
	rec := history.Record{
		SimulationID: h.id,
		Name:         h.params.Name,
		Backend:      h.params.Version.String(),
		Worker:       string(h.kind),
		Frame:        h.frameCount(),
	}
	if h.w != nil {
		rec.PID = h.w.PID()
	}
	return rec
}

func (h *handler) onMessage(msg message.Instance) {
	bus := h.m.opts.Bus
	group := groups.SimComms(h.id)
	switch v := msg.(type) {
	case message.NewFrame:
		if arc := h.m.opts.Archive; arc != nil {
			if err := arc.UpdateIndex(h.id, v.IndexJSON); err != nil {
				h.m.log.Warn("index update rejected", "simulation", h.id, "error", err)
			}
		}
		h.w.Send(message.StepFileAdded{})
		h.frames.Store(int64(v.FrameCount + 1))
		bus.Broadcast(group, message.ClientNewFrame{FrameCount: v.FrameCount})
		metrics.IncFrame()
		if h.m.opts.RecordFrames {
			rec := h.snapshot()
			rec.Frame = v.FrameCount
			h.m.record(history.EventFrame, rec)
		}
	case message.ErrorMessage:
		h.lastErr.Store(v.Text)
		bus.Broadcast(group, message.ClientError{Text: v.Text})
	case message.Close:
		why := stopReason{code: groups.CloseNormal, label: "finished"}
		if v.Abrupt {
			why.failed = true
			why.label = "failed"
			why.text = "simulation closed abruptly"
			if s, ok := h.lastErr.Load().(string); ok && s != "" {
				why.text = s
			}
		}
		h.m.stop(h.id, true, why)
	default:
		h.m.log.Debug("ignoring worker message", "simulation", h.id, "message", msg)
	}
}
