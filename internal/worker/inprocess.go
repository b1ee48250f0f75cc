package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/loykin/simrunner/internal/message"
)

// InProcessWorker runs the step loop on a goroutine and exchanges control
// messages through a Queue.
type InProcessWorker struct {
	opts   Options
	state  stateBox
	inbox  *Queue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
}

func NewInProcess(opts Options) *InProcessWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcessWorker{
		opts:   opts,
		inbox:  NewQueue(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (w *InProcessWorker) ID() string { return w.opts.Params.ID }

// Start launches the loop. Backend construction happens on the loop
// goroutine, so failures are reported through OnMessage like any other.
func (w *InProcessWorker) Start() error {
	started := false
	w.startOnce.Do(func() {
		started = true
		go w.run()
	})
	if !started {
		return errors.New("worker already started")
	}
	return nil
}

func (w *InProcessWorker) run() {
	defer close(w.done)
	defer w.state.advance(StateClosed)
	defer w.inbox.Close()

	if w.opts.Registry == nil {
		w.opts.failStart(errors.New("no backend registry"))
		return
	}
	b, err := w.opts.Registry.New(w.opts.Params)
	if err != nil {
		w.state.advance(StateStopping)
		w.opts.failStart(err)
		return
	}
	_ = RunLoop(w.ctx, LoopConfig{
		Params:        w.opts.Params,
		Backend:       b,
		Frames:        w.opts.Frames,
		Out:           SenderFunc(w.opts.emit),
		In:            w.inbox,
		FrameInterval: w.opts.FrameInterval,
		Logger:        w.opts.logger(),
		OnState:       func(s State) { w.state.advance(s) },
	})
}

func (w *InProcessWorker) Send(m message.Instance) { w.inbox.Push(m) }

func (w *InProcessWorker) State() State { return w.state.load() }

func (w *InProcessWorker) IsRunning() bool {
	s := w.state.load()
	return s == StateStarting || s == StateRunning
}

func (w *InProcessWorker) PID() int32 { return 0 }

// Close asks the loop to stop and waits for it. Calling Close before Start
// only releases resources.
func (w *InProcessWorker) Close() {
	w.inbox.Push(message.Stop{})
	w.cancel()
	started := true
	w.startOnce.Do(func() {
		started = false
		w.state.advance(StateClosed)
		close(w.done)
	})
	if started {
		<-w.done
	}
}

func (w *InProcessWorker) Done() <-chan struct{} { return w.done }
