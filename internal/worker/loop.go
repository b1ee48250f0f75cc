package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/metrics"
)

// Sender delivers messages from the worker to its supervisor.
type Sender interface {
	Send(m message.Instance)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(message.Instance)

func (f SenderFunc) Send(m message.Instance) { f(m) }

// Inbox is the worker's side of the control channel.
type Inbox interface {
	TryPop() (message.Instance, bool)
	Ready() <-chan struct{}
}

// LoopConfig wires one simulation's step loop.
type LoopConfig struct {
	Params  backend.Parameters
	Backend backend.Backend
	Frames  archive.FrameAppender
	Out     Sender
	In      Inbox
	// FrameInterval is the minimum time between frames; zero steps as fast
	// as the backend allows.
	FrameInterval time.Duration
	Logger        *slog.Logger
	// OnState, when set, observes Running and Stopping transitions.
	OnState func(State)
}

// ErrStopped is returned by RunLoop when it was stopped by a control message
// or context cancellation.
var ErrStopped = errors.New("simulation stopped")

// RunLoop drives a backend until it finishes, fails, or is told to stop. It
// always ends by sending Close on Out: abrupt after sending an ErrorMessage
// when something failed. The returned error is the failure, ErrStopped for a
// requested stop, or nil when the backend ran to completion. Backend.Shutdown
// is called whenever Initialize succeeded.
func RunLoop(ctx context.Context, c LoopConfig) (err error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("simulation", c.Params.ID)
	state := func(s State) {
		if c.OnState != nil {
			c.OnState(s)
		}
	}

	defer func() {
		state(StateStopping)
		switch {
		case err == nil || errors.Is(err, ErrStopped):
			c.Out.Send(message.Close{Abrupt: false})
		default:
			log.Error("simulation failed", "error", err)
			c.Out.Send(message.ErrorMessage{Text: err.Error()})
			c.Out.Send(message.Close{Abrupt: true})
		}
	}()

	if c.Backend == nil {
		return &backend.InitializationError{Tag: c.Params.Version.String(), Err: errors.New("no backend")}
	}
	if c.Frames == nil {
		return errors.New("no frame index configured")
	}
	if err := guard(-1, c.Backend.Initialize); err != nil {
		return err
	}
	defer c.Backend.Shutdown()
	state(StateRunning)
	log.Info("simulation loop started", "backend", c.Params.Version.String())

	var ready <-chan struct{}
	if c.In != nil {
		ready = c.In.Ready()
	}
	step := 0
	for {
		if stop := drain(c, log); stop {
			return ErrStopped
		}
		if ctx.Err() != nil {
			return ErrStopped
		}
		if !c.Backend.IsRunning() {
			log.Info("simulation finished", "frames", step)
			return nil
		}

		start := time.Now()
		if err := guard(step, c.Backend.Step); err != nil {
			return err
		}
		var stepFile, vizFile string
		if err := guard(step, func() (werr error) {
			stepFile, vizFile, werr = c.Backend.WriteStepFiles()
			return werr
		}); err != nil {
			return err
		}
		raw, idx, err := c.Frames.Append(stepFile, vizFile)
		if err != nil {
			return fmt.Errorf("append frame: %w", err)
		}
		metrics.ObserveStep(time.Since(start).Seconds())
		c.Out.Send(message.NewFrame{FrameCount: idx, IndexJSON: raw})
		step++

		if c.FrameInterval > 0 {
			if wait := c.FrameInterval - time.Since(start); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
				case <-ready:
				case <-t.C:
				}
				t.Stop()
			}
		}
	}
}

// drain handles every pending control message and reports whether the loop
// must stop.
func drain(c LoopConfig, log *slog.Logger) bool {
	if c.In == nil {
		return false
	}
	stop := false
	for {
		m, ok := c.In.TryPop()
		if !ok {
			return stop
		}
		switch v := m.(type) {
		case message.Stop, message.Close:
			stop = true
		case message.UserMessage:
			h, ok := c.Backend.(backend.MessageHandler)
			if !ok {
				log.Debug("backend ignores user messages", "action", v.Action)
				continue
			}
			if err := h.HandleMessage(v.Action, v.Data); err != nil {
				log.Warn("user message rejected", "action", v.Action, "error", err)
			}
		case message.StepFileAdded:
			// acknowledgement from the supervisor
		default:
			log.Debug("unexpected control message", "type", fmt.Sprintf("%T", m))
		}
	}
}

// guard runs fn, turning panics into a StepError and wrapping plain errors.
// step is -1 during initialization.
func guard(step int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &backend.StepError{Step: step, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	err = fn()
	if err == nil {
		return nil
	}
	var ie *backend.InitializationError
	var se *backend.StepError
	if errors.As(err, &ie) || errors.As(err, &se) {
		return err
	}
	if step < 0 {
		return &backend.InitializationError{Err: err}
	}
	return &backend.StepError{Step: step, Err: err}
}
