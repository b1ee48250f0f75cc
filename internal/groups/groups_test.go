package groups

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simrunner/internal/message"
)

type fakeMember struct {
	mu     sync.Mutex
	got    []message.Client
	closes []CloseInfo
}

func (f *fakeMember) Send(m message.Client) {
	f.mu.Lock()
	f.got = append(f.got, m)
	f.mu.Unlock()
}

func (f *fakeMember) OnGroupClosed(info CloseInfo) {
	f.mu.Lock()
	f.closes = append(f.closes, info)
	f.mu.Unlock()
}

func (f *fakeMember) received() []message.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Client(nil), f.got...)
}

func TestCreateGroup_Duplicate(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateGroup("simcomms/S1"))
	assert.ErrorIs(t, b.CreateGroup("simcomms/S1"), ErrAlreadyExists)

	b.CloseGroup("simcomms/S1", CloseNormal, "")
	assert.ErrorIs(t, b.CreateGroup("simcomms/S1"), ErrAlreadyExists, "tombstone still occupies the name")

	b.Evict("simcomms/S1")
	assert.NoError(t, b.CreateGroup("simcomms/S1"))
}

func TestJoin_AbsentOrClosed(t *testing.T) {
	b := New()
	m := &fakeMember{}
	assert.False(t, b.Join("simcomms/none", m))

	require.NoError(t, b.CreateGroup("g"))
	b.CloseGroup("g", CloseNotRunning, "gone")
	assert.False(t, b.Join("g", m))
	assert.Equal(t, 0, b.Members("g"))

	info, ok := b.CloseInfo("g")
	require.True(t, ok)
	assert.Equal(t, CloseInfo{Code: CloseNotRunning, Message: "gone"}, info)
}

func TestBroadcast_OnlyCurrentMembers(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateGroup("g"))
	a, c := &fakeMember{}, &fakeMember{}
	require.True(t, b.Join("g", a))
	require.True(t, b.Join("g", c))
	require.True(t, b.Join("g", a), "joining twice keeps one membership")
	assert.Equal(t, 2, b.Members("g"))

	b.Broadcast("g", message.ClientNewFrame{FrameCount: 0})
	b.Leave("g", c)
	b.Broadcast("g", message.ClientNewFrame{FrameCount: 1})

	assert.Equal(t, []message.Client{
		message.ClientNewFrame{FrameCount: 0},
		message.ClientNewFrame{FrameCount: 1},
	}, a.received())
	assert.Equal(t, []message.Client{message.ClientNewFrame{FrameCount: 0}}, c.received())
}

func TestCloseGroup_IdempotentSingleNotification(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateGroup("g"))
	m := &fakeMember{}
	require.True(t, b.Join("g", m))

	b.CloseGroup("g", CloseNormal, "done")
	b.CloseGroup("g", CloseFetchFailed, "again")

	require.Len(t, m.closes, 1)
	assert.Equal(t, CloseNormal, m.closes[0].Code)
	info, _ := b.CloseInfo("g")
	assert.Equal(t, "done", info.Message)

	// broadcasts to a tombstone are dropped
	b.Broadcast("g", message.SimStopped{})
	assert.Empty(t, m.received())
}

type reentrantMember struct {
	bus  *Bus
	name string
	fakeMember
}

func (r *reentrantMember) Send(m message.Client) {
	r.fakeMember.Send(m)
	r.bus.Leave(r.name, r)
}

func TestBroadcast_MemberMayCallBackIntoBus(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateGroup("g"))
	r := &reentrantMember{bus: b, name: "g"}
	require.True(t, b.Join("g", r))

	b.Broadcast("g", message.InfoLog{Text: "hello"})
	assert.Len(t, r.received(), 1)
	assert.Equal(t, 0, b.Members("g"))
}

type panickingMember struct{}

func (panickingMember) Send(message.Client)     { panic("boom") }
func (panickingMember) OnGroupClosed(CloseInfo) { panic("boom") }

func TestBroadcast_PanickingMemberIsIsolated(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateGroup("g"))
	m := &fakeMember{}
	require.True(t, b.Join("g", panickingMember{}))
	require.True(t, b.Join("g", m))

	b.Broadcast("g", message.SimStopped{})
	b.CloseGroup("g", CloseNormal, "")
	assert.Len(t, m.received(), 1)
	assert.Len(t, m.closes, 1)
}
