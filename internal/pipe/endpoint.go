// Package pipe implements one end of a duplex, single-stream channel between a
// supervisor and a simulation worker.
//
// The underlying stream must not be read and written from different goroutines
// at the same time, so each Endpoint owns a single loop goroutine that
// periodically wakes up, drains whatever inbound data is available, then
// drains its outbound queue. Both ends follow the same protocol, so either side
// can start the close handshake (CloseNotification, answered by
// CloseConfirmation).
package pipe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loykin/simrunner/internal/message"
)

// Conn is the transport used by an Endpoint. *os.File pipes and net.Conn
// values (unix socket pairs, net.Pipe) satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// ErrTransport wraps failures of the underlying stream.
var ErrTransport = errors.New("pipe transport failure")

const (
	DefaultPollPeriod = 100 * time.Millisecond
	DefaultReadWindow = time.Millisecond
	readChunk         = 32 << 10
)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithPollPeriod sets how long the loop sleeps when there is nothing to send.
func WithPollPeriod(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithReadWindow sets how long a single availability check may wait for data.
func WithReadWindow(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.readWindow = d
		}
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l
		}
	}
}

// Endpoint multiplexes sends and receives over a single Conn.
type Endpoint struct {
	conn       Conn
	onReceive  func(message.Instance)
	onClose    func()
	poll       time.Duration
	readWindow time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	queue   []item
	running bool
	started bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce    sync.Once
	confirmOnce sync.Once
	confirmed   chan struct{}

	// loop-owned state
	peerClosing bool
	rbuf        []byte
	chunk       []byte
}

// New creates an endpoint over conn. onReceive is called from the loop
// goroutine for every message; onClose (optional) runs once when the loop exits.
func New(conn Conn, onReceive func(message.Instance), onClose func(), opts ...Option) *Endpoint {
	e := &Endpoint{
		conn:       conn,
		onReceive:  onReceive,
		onClose:    onClose,
		poll:       DefaultPollPeriod,
		readWindow: DefaultReadWindow,
		log:        slog.Default(),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		confirmed:  make(chan struct{}),
		chunk:      make([]byte, readChunk),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (e *Endpoint) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.running = true
	e.mu.Unlock()
	go e.run()
}

// Send enqueues m for delivery. It never blocks; messages sent after the
// endpoint stopped are dropped.
func (e *Endpoint) Send(m message.Instance) {
	if m == nil {
		return
	}
	e.enqueue(item{msg: m})
}

func (e *Endpoint) enqueue(it item) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, it)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// IsAlive reports whether the loop is still running.
func (e *Endpoint) IsAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Done is closed once the loop has exited and the close callback returned.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close stops the loop and waits for it to exit. Pending outbound messages are
// not flushed. Callbacks run on the loop goroutine and must use CloseAsync.
func (e *Endpoint) Close() {
	if e.CloseAsync() {
		<-e.done
	}
}

// CloseAsync tells the loop to stop without waiting for it. It reports
// whether the endpoint was started.
func (e *Endpoint) CloseAsync() bool {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return false
	}
	e.stopOnce.Do(func() { close(e.stop) })
	return true
}

// Shutdown closes both ends gracefully: it sends a CloseNotification, waits up
// to timeout for the peer's CloseConfirmation and then calls Close.
func (e *Endpoint) Shutdown(timeout time.Duration) {
	if !e.IsAlive() {
		return
	}
	e.enqueue(item{signal: CloseNotification})
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.confirmed:
	case <-e.done:
	case <-t.C:
		e.log.Debug("close confirmation timed out", "timeout", timeout)
	}
	e.Close()
}

func (e *Endpoint) run() {
	defer close(e.done)
	defer e.finish()

	timer := time.NewTimer(e.poll)
	defer timer.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		timer.Reset(e.poll)

		if err := e.receive(); err != nil {
			e.log.Warn("shutting down pipe endpoint", "error", err)
			return
		}
		if err := e.flush(); err != nil {
			e.log.Warn("shutting down pipe endpoint", "error", err)
			return
		}
		if e.peerClosing {
			if err := writeItem(e.conn, item{signal: CloseConfirmation}); err != nil {
				e.log.Debug("close confirmation not delivered", "error", err)
			}
			return
		}
	}
}

func (e *Endpoint) finish() {
	e.mu.Lock()
	e.running = false
	e.queue = nil
	e.mu.Unlock()
	if e.onClose != nil {
		e.onClose()
	}
}

// receive drains every frame currently available on the stream.
func (e *Endpoint) receive() error {
	for {
		if err := e.dispatchBuffered(); err != nil {
			return err
		}
		if err := e.conn.SetReadDeadline(time.Now().Add(e.readWindow)); err != nil {
			return fmt.Errorf("%w: set read deadline: %v", ErrTransport, err)
		}
		n, err := e.conn.Read(e.chunk)
		if n > 0 {
			e.rbuf = append(e.rbuf, e.chunk[:n]...)
		}
		if err != nil {
			if isTimeout(err) {
				return e.dispatchBuffered()
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

func (e *Endpoint) dispatchBuffered() error {
	for {
		wf, rest, ok, err := nextFrame(e.rbuf)
		if !ok && err == nil {
			return nil
		}
		if err != nil && !ok {
			return err
		}
		e.rbuf = rest
		if err != nil {
			e.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		e.dispatch(wf)
	}
}

func (e *Endpoint) dispatch(wf wireFrame) {
	switch wf.Signal {
	case CloseNotification:
		e.peerClosing = true
		return
	case CloseConfirmation:
		e.confirmOnce.Do(func() { close(e.confirmed) })
		return
	}
	if len(wf.Message) == 0 {
		return
	}
	m, err := message.DecodeInstance(wf.Message)
	if err != nil {
		e.log.Warn("dropping undecodable message", "error", err)
		return
	}
	if e.onReceive == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("receive callback panicked", "panic", r)
		}
	}()
	e.onReceive(m)
}

func (e *Endpoint) flush() error {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()
	for _, it := range pending {
		if err := writeItem(e.conn, it); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
