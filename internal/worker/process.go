package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/pipe"
)

// ProcessWorker runs the step loop in a child process. The child receives
// its end of a socket pair as file descriptor 3 and its parameters through
// SpecEnv; stdout and stderr go to Options.LogWriter.
type ProcessWorker struct {
	opts  Options
	state stateBox

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn pipe.Conn
	ep   *pipe.Endpoint

	gotClose atomic.Bool
	exited   chan struct{}
	done     chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	killOnce  sync.Once
}

func NewProcess(opts Options) *ProcessWorker {
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	return &ProcessWorker{
		opts:   opts,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *ProcessWorker) ID() string { return w.opts.Params.ID }

func (w *ProcessWorker) command() ([]string, error) {
	if len(w.opts.Command) > 0 {
		return w.opts.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return []string{exe, "worker"}, nil
}

// Start launches the child process. A returned error means nothing was
// started and no message will be emitted.
func (w *ProcessWorker) Start() error {
	err := errors.New("worker already started")
	w.startOnce.Do(func() { err = w.start() })
	return err
}

func (w *ProcessWorker) childSpec() ChildSpec {
	return ChildSpec{
		Params:          w.opts.Params,
		FrameIntervalMS: w.opts.FrameInterval.Milliseconds(),
		PollPeriodMS:    w.opts.PollPeriod.Milliseconds(),
	}
}

func (w *ProcessWorker) start() error {
	argv, err := w.command()
	if err != nil {
		return err
	}
	spec, err := json.Marshal(w.childSpec())
	if err != nil {
		return fmt.Errorf("encode worker spec: %w", err)
	}

	parent, child, err := pipe.PairFiles()
	if err != nil {
		return err
	}
	defer func() { _ = child.Close() }()

	// #nosec G204 -- argv comes from configuration, not from clients
	cmd := exec.Command(argv[0], argv[1:]...)
	base := w.opts.Env
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append([]string(nil), base...), SpecEnv+"="+string(spec))
	cmd.ExtraFiles = []*os.File{child}
	if w.opts.LogWriter != nil {
		cmd.Stdout = w.opts.LogWriter
		cmd.Stderr = w.opts.LogWriter
	}
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		return fmt.Errorf("start worker: %w", err)
	}

	conn, err := pipe.FileConn(parent)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	opts := append([]pipe.Option{pipe.WithLogger(w.opts.logger())}, w.opts.PipeOptions...)
	ep := pipe.New(conn, w.onReceive, w.onEndpointClosed, opts...)

	w.mu.Lock()
	w.cmd, w.conn, w.ep = cmd, conn, ep
	w.mu.Unlock()

	w.state.advance(StateRunning)
	w.opts.logger().Info("worker process started", "simulation", w.ID(), "pid", cmd.Process.Pid)
	ep.Start()
	go w.wait()
	return nil
}

func (w *ProcessWorker) wait() {
	err := w.cmd.Wait()
	if w.opts.LogWriter != nil {
		_ = w.opts.LogWriter.Close()
	}
	w.opts.logger().Info("worker process exited", "simulation", w.ID(), "error", err)
	close(w.exited)
	<-w.ep.Done()
	w.state.advance(StateClosed)
	close(w.done)
}

func (w *ProcessWorker) onReceive(m message.Instance) {
	if _, ok := m.(message.Close); ok {
		w.gotClose.Store(true)
		w.state.advance(StateStopping)
	}
	w.opts.emit(m)
}

// onEndpointClosed reports an abrupt close when the channel died before the
// child said goodbye.
func (w *ProcessWorker) onEndpointClosed() {
	_ = w.conn.Close()
	if w.gotClose.Load() {
		return
	}
	w.state.advance(StateStopping)
	w.opts.emit(message.ErrorMessage{Text: "worker exited unexpectedly"})
	w.opts.emit(message.Close{Abrupt: true})
	go w.terminate()
}

// terminate signals the process group, escalating to SIGKILL after the
// grace period.
func (w *ProcessWorker) terminate() {
	w.killOnce.Do(func() {
		pid := w.cmd.Process.Pid
		_ = terminateGroup(pid)
		select {
		case <-w.exited:
			return
		case <-time.After(w.opts.CloseGrace):
		}
		w.opts.logger().Warn("worker ignored SIGTERM, killing", "simulation", w.ID(), "pid", pid)
		_ = killGroup(pid)
		select {
		case <-w.exited:
		case <-time.After(200 * time.Millisecond):
		}
	})
}

func (w *ProcessWorker) Send(m message.Instance) {
	w.mu.Lock()
	ep := w.ep
	w.mu.Unlock()
	if ep != nil {
		ep.Send(m)
	}
}

func (w *ProcessWorker) State() State { return w.state.load() }

func (w *ProcessWorker) IsRunning() bool {
	s := w.state.load()
	return s == StateStarting || s == StateRunning
}

func (w *ProcessWorker) PID() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return int32(w.cmd.Process.Pid)
}

// Close asks the child to stop, waits up to CloseGrace and then terminates
// its process group. On a worker that never started it only marks it closed.
func (w *ProcessWorker) Close() {
	w.startOnce.Do(func() {})
	w.mu.Lock()
	ep := w.ep
	w.mu.Unlock()
	if ep == nil {
		w.closeOnce.Do(func() {
			w.state.advance(StateClosed)
			close(w.done)
		})
		return
	}
	w.closeOnce.Do(func() {
		ep.Send(message.Close{})
		select {
		case <-w.exited:
		case <-time.After(w.opts.CloseGrace):
			w.terminate()
		}
		ep.Close()
	})
	<-w.done
}

func (w *ProcessWorker) Done() <-chan struct{} { return w.done }
