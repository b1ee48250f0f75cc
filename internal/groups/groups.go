// Package groups is an in-process publish/subscribe registry keyed by group
// name. Each simulation owns a group; clients join and leave at will, and a
// group can be closed, leaving a tombstone that tells late joiners why.
package groups

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/metrics"
)

// CloseCode is the symbolic reason a group was closed.
type CloseCode int

const (
	// CloseNormal is used when a simulation ended without error.
	CloseNormal CloseCode = iota
	// CloseNotRunning means the simulation a client asked for is not running.
	CloseNotRunning
	// CloseUnavailable means the group could not be joined.
	CloseUnavailable
	// CloseFetchFailed means the backend for the simulation could not be fetched.
	CloseFetchFailed
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseNotRunning:
		return "not_running"
	case CloseUnavailable:
		return "unavailable"
	case CloseFetchFailed:
		return "fetch_failed"
	default:
		return fmt.Sprintf("close_code(%d)", int(c))
	}
}

// CloseInfo is the reason stored in a closed group's tombstone.
type CloseInfo struct {
	Code    CloseCode
	Message string
}

// Member receives group traffic. Both methods are called without the bus lock
// held, so implementations may call back into the bus.
type Member interface {
	Send(m message.Client)
	OnGroupClosed(info CloseInfo)
}

// ErrAlreadyExists is returned by CreateGroup for an active or closed group.
var ErrAlreadyExists = errors.New("group already exists")

// group is either active (closed == nil) or a tombstone.
type group struct {
	members []Member
	closed  *CloseInfo
}

// Bus is the group registry. The zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	groups map[string]*group
}

func New() *Bus {
	return &Bus{groups: make(map[string]*group)}
}

// Group names used for a simulation.
func SimComms(id string) string { return "simcomms/" + id }
func InitLogs(id string) string { return "initlogs/" + id }

// CreateGroup adds an empty active group.
func (b *Bus) CreateGroup(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.groups[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	b.groups[name] = &group{}
	return nil
}

// Join adds m to an active group. It returns false, without changes, when the
// group is absent or closed.
func (b *Bus) Join(name string, m Member) bool {
	b.mu.Lock()
	g, ok := b.groups[name]
	if !ok || g.closed != nil {
		b.mu.Unlock()
		return false
	}
	for _, existing := range g.members {
		if existing == m {
			b.mu.Unlock()
			return true
		}
	}
	g.members = append(g.members, m)
	b.mu.Unlock()
	metrics.AddGroupMembers(name, 1)
	return true
}

// Leave removes m from an active group.
func (b *Bus) Leave(name string, m Member) {
	b.mu.Lock()
	g, ok := b.groups[name]
	if !ok || g.closed != nil {
		b.mu.Unlock()
		return
	}
	removed := 0
	for i, existing := range g.members {
		if existing == m {
			g.members = append(g.members[:i:i], g.members[i+1:]...)
			removed = 1
			break
		}
	}
	b.mu.Unlock()
	metrics.AddGroupMembers(name, -removed)
}

// Broadcast delivers msg to every member present when the call started.
func (b *Bus) Broadcast(name string, msg message.Client) {
	members := b.snapshot(name)
	if members == nil {
		return
	}
	metrics.IncBroadcast(message.ActionOf(msg))
	for _, m := range members {
		deliver(name, func() { m.Send(msg) })
	}
}

// CloseGroup turns an active group into a tombstone and notifies the members
// present at that moment. Closing an absent or already closed group is a no-op.
func (b *Bus) CloseGroup(name string, code CloseCode, msg string) {
	b.mu.Lock()
	g, ok := b.groups[name]
	if !ok || g.closed != nil {
		b.mu.Unlock()
		return
	}
	members := g.members
	g.members = nil
	g.closed = &CloseInfo{Code: code, Message: msg}
	info := *g.closed
	b.mu.Unlock()

	metrics.AddGroupMembers(name, -len(members))
	slog.Debug("group closed", "group", name, "code", code.String(), "members", len(members))
	for _, m := range members {
		deliver(name, func() { m.OnGroupClosed(info) })
	}
}

// CloseInfo returns the tombstone of a closed group; ok is false when the
// group is absent or still active.
func (b *Bus) CloseInfo(name string) (CloseInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[name]
	if !ok || g.closed == nil {
		return CloseInfo{}, false
	}
	return *g.closed, true
}

// Evict drops a closed group so its name can be created again. Active groups
// are left alone.
func (b *Bus) Evict(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[name]; ok && g.closed != nil {
		delete(b.groups, name)
	}
}

// Members returns the number of members of an active group.
func (b *Bus) Members(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[name]; ok && g.closed == nil {
		return len(g.members)
	}
	return 0
}

func (b *Bus) snapshot(name string) []Member {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[name]
	if !ok || g.closed != nil {
		return nil
	}
	return append([]Member(nil), g.members...)
}

// deliver isolates member failures from the bus and other members.
func deliver(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("group member panicked", "group", name, "panic", r)
		}
	}()
	fn()
}
