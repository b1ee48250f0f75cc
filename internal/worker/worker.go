// Package worker runs simulation step loops, either on a goroutine of the
// supervisor or in a child process connected through a pipe endpoint.
package worker

import (
	"io"
	"log/slog"
	"time"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/pipe"
)

// Worker is a running simulation as seen by its supervisor.
type Worker interface {
	ID() string
	Start() error
	// Send queues a control message for the simulation.
	Send(m message.Instance)
	State() State
	IsRunning() bool
	// PID is the worker process id, 0 when the worker shares the
	// supervisor's process.
	PID() int32
	// Close stops the simulation and waits for it to exit.
	Close()
	Done() <-chan struct{}
}

const (
	DefaultCloseGrace      = 3 * time.Second
	DefaultShutdownTimeout = 2 * time.Second
)

// Options configures a worker. Fields under "process" are ignored by
// in-process workers.
type Options struct {
	Params   backend.Parameters
	Registry *backend.Registry
	// Frames records frames for in-process workers; child processes append
	// to the index file under Params.RootDir themselves.
	Frames        archive.FrameAppender
	OnMessage     func(message.Instance)
	FrameInterval time.Duration
	Logger        *slog.Logger

	// process
	Command []string
	// PollPeriod is handed to the child's endpoint; the supervisor side
	// takes its options from PipeOptions.
	PollPeriod time.Duration
	// Env replaces the inherited environment of the child when non-nil.
	Env         []string
	LogWriter   io.WriteCloser
	CloseGrace  time.Duration
	PipeOptions []pipe.Option
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) emit(m message.Instance) {
	if o.OnMessage != nil {
		o.OnMessage(m)
	}
}

// failStart reports a worker that never reached its step loop.
func (o *Options) failStart(err error) {
	o.logger().Error("simulation failed to start", "simulation", o.Params.ID, "error", err)
	o.emit(message.ErrorMessage{Text: err.Error()})
	o.emit(message.Close{Abrupt: true})
}
