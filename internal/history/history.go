package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of simulation lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventFrame   EventType = "frame"
	EventStopped EventType = "stopped"
	EventFailed  EventType = "failed"
)

// Record describes the simulation an event refers to.
type Record struct {
	SimulationID string `json:"simulation_id"`
	Name         string `json:"name"`
	Backend      string `json:"backend"`
	Worker       string `json:"worker"`
	PID          int32  `json:"pid,omitempty"`
	Frame        int    `json:"frame"`
	Error        string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	DefaultQueueSize   = 1024
	DefaultSendTimeout = 5 * time.Second
)

// Dispatcher delivers events to a sink from a background goroutine so
// simulation reactions never wait on a database. Events are dropped when the
// queue is full.
type Dispatcher struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
	ch      chan Event
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Sink, log *slog.Logger, queueSize int) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log,
		timeout: DefaultSendTimeout,
		ch:      make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Record queues e. OccurredAt is filled in when zero.
func (d *Dispatcher) Record(e Event) {
	if d == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.log.Warn("history queue full, dropping event", "type", e.Type, "simulation", e.Record.SimulationID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Send(ctx, e); err != nil {
			d.log.Warn("history sink failed", "type", e.Type, "simulation", e.Record.SimulationID, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and stops the dispatcher.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
}
