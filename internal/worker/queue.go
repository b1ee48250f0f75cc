package worker

import (
	"sync"

	"github.com/loykin/simrunner/internal/message"
)

// Queue is an unbounded FIFO of control messages with a non-blocking pop. It
// replaces the duplex channel when the worker runs in the supervisor's process.
type Queue struct {
	mu     sync.Mutex
	items  []message.Instance
	closed bool
	ready  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends m. It reports false once the queue was closed.
func (q *Queue) Push(m message.Instance) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// TryPop returns the oldest message without waiting.
func (q *Queue) TryPop() (message.Instance, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

// Ready receives a value after a Push; used to cut waits short.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Close drops pending messages and rejects further pushes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
