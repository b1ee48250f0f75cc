package worker

import (
	"sync/atomic"

	"github.com/loykin/simrunner/internal/metrics"
)

// State is the lifecycle stage of a worker. States only move forward.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateBox holds a State and records forward transitions.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

// advance moves to next when it is later than the current state. It reports
// whether a transition happened.
func (b *stateBox) advance(next State) bool {
	for {
		cur := b.v.Load()
		if State(cur) >= next {
			return false
		}
		if b.v.CompareAndSwap(cur, int32(next)) {
			metrics.RecordStateTransition(State(cur).String(), next.String())
			return true
		}
	}
}
