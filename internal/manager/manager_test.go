package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/history"
	"github.com/loykin/simrunner/internal/message"
	"github.com/loykin/simrunner/internal/worker"
)

type flaky struct{ steps int }

func (f *flaky) Initialize() error { return nil }
func (f *flaky) Step() error {
	f.steps++
	if f.steps == 2 {
		return errors.New("exploded")
	}
	return nil
}
func (f *flaky) IsRunning() bool { return true }
func (f *flaky) WriteStepFiles() (string, string, error) {
	return fmt.Sprintf("./step-%05d.step", f.steps), fmt.Sprintf("cache/step-%05d.viz", f.steps), nil
}
func (f *flaky) Shutdown() {}

func testBackends() *backend.Registry {
	r := backend.Default()
	r.Register("flaky", func(backend.Parameters) (backend.Backend, error) { return &flaky{}, nil })
	return r
}

type member struct {
	mu     sync.Mutex
	msgs   []message.Client
	closed []groups.CloseInfo
}

func (m *member) Send(msg message.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

func (m *member) OnGroupClosed(info groups.CloseInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, info)
}

func (m *member) snapshot() ([]message.Client, []groups.CloseInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message.Client(nil), m.msgs...), append([]groups.CloseInfo(nil), m.closed...)
}

func (m *member) count(action string) int {
	msgs, _ := m.snapshot()
	n := 0
	for _, msg := range msgs {
		if message.ActionOf(msg) == action {
			n++
		}
	}
	return n
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestManager(t *testing.T, frameInterval time.Duration) *Manager {
	t.Helper()
	arc, err := archive.Open(filepath.Join(t.TempDir(), "save-archive"))
	require.NoError(t, err)
	m := NewManager(Options{
		Archive:       arc,
		Bus:           groups.New(),
		Backends:      testBackends(),
		FrameInterval: frameInterval,
	})
	t.Cleanup(func() { _ = m.Shutdown(5 * time.Second) })
	return m
}

// register mirrors what the creation service does before spawning.
func register(t *testing.T, m *Manager, id string, v backend.Version, source string) (backend.Parameters, *member) {
	t.Helper()
	paths, err := m.Archive().RegisterSimulation(id, "./"+id, "sim "+id, v.IsRemote(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Bus().CreateGroup(groups.SimComms(id)))
	mem := &member{}
	require.True(t, m.Bus().Join(groups.SimComms(id), mem))
	return backend.Parameters{
		ID:               id,
		Name:             "sim " + id,
		Source:           source,
		DeltaTime:        backend.DefaultDeltaTime,
		RootDir:          paths.Root,
		CacheDir:         paths.Cache,
		CacheRelPrefix:   paths.RelCache,
		BackendDir:       paths.Backend,
		BackendRelPrefix: paths.RelBackend,
		Version:          v,
	}, mem
}

func growth() backend.Version { return backend.Version{Tag: backend.GrowthTag} }

func TestManager_CreateStepStop(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)
	assert.False(t, m.IsRunning("S1"))
	p, mem := register(t, m, "S1", growth(), "max_steps=100000")

	_, err := m.Create("S1", p, WorkerInProcess)
	require.NoError(t, err)
	assert.True(t, m.IsRunning("S1"))
	assert.True(t, m.Archive().IsOnline("S1"))

	require.Eventually(t, func() bool { return mem.count(message.ActionNewFrame) >= 3 }, 10*time.Second, 10*time.Millisecond)
	require.True(t, m.Stop("S1", false))
	assert.False(t, m.IsRunning("S1"))
	assert.False(t, m.Stop("S1", false))

	info, closed := m.Bus().CloseInfo(groups.SimComms("S1"))
	require.True(t, closed)
	assert.Equal(t, groups.CloseNormal, info.Code)
	assert.False(t, m.Archive().IsOnline("S1"))

	var prev string
	for i := 0; i < 3; i++ {
		viz, err := m.Archive().BinFile("S1", i)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, viz, prev)
		prev = viz
	}

	msgs, closes := mem.snapshot()
	for i, msg := range msgs[:3] {
		assert.Equal(t, message.ClientNewFrame{FrameCount: i}, msg)
	}
	assert.Len(t, closes, 1, "one close notification per member")
}

func TestManager_DuplicateID(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)
	p, _ := register(t, m, "S1", growth(), "max_steps=100000")
	_, err := m.Create("S1", p, WorkerInProcess)
	require.NoError(t, err)
	_, err = m.Create("S1", p, WorkerInProcess)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.True(t, m.IsRunning("S1"))
}

type stubWorker struct {
	id    string
	state worker.State
	done  chan struct{}
}

func (w *stubWorker) ID() string { return w.id }
func (w *stubWorker) Start() error { return nil }
func (w *stubWorker) Send(message.Instance) {}
func (w *stubWorker) State() worker.State { return w.state }
func (w *stubWorker) IsRunning() bool { return w.state == worker.StateStarting || w.state == worker.StateRunning }
func (w *stubWorker) PID() int32 { return 0 }
func (w *stubWorker) Close() {}
func (w *stubWorker) Done() <-chan struct{} { return w.done }

func TestManager_IsRunningFollowsWorkerState(t *testing.T) {
	m := newTestManager(t, 0)
	tests := []struct {
		name string
		w    worker.Worker
		want bool
	}{
		{name: "placeholder", want: true},
		{name: "starting", w: &stubWorker{state: worker.StateStarting}, want: true},
		{name: "running", w: &stubWorker{state: worker.StateRunning}, want: true},
		{name: "stopping", w: &stubWorker{state: worker.StateStopping}, want: false},
		{name: "closed", w: &stubWorker{state: worker.StateClosed}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &entry{h: newHandler(m, tt.name, backend.Parameters{ID: tt.name}, WorkerInProcess), w: tt.w, placeholder: tt.w == nil}
			m.mu.Lock()
			m.entries[tt.name] = e
			m.mu.Unlock()
			t.Cleanup(func() {
				m.mu.Lock()
				delete(m.entries, tt.name)
				m.mu.Unlock()
			})
			assert.Equal(t, tt.want, m.IsRunning(tt.name))
		})
	}
	assert.False(t, m.IsRunning("absent"))
}

func TestManager_SendMessageUnknown(t *testing.T) {
	m := newTestManager(t, 0)
	err := m.SendMessage("nope", message.UserMessage{Action: "configure"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_StepFailureClosesOnce(t *testing.T) {
	m := newTestManager(t, 0)
	sink := &memSink{}
	m.SetHistorySinks(sink)
	p, mem := register(t, m, "S1", backend.Version{Tag: "flaky"}, "")

	_, err := m.Create("S1", p, WorkerInProcess)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !m.IsRunning("S1") }, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, closes := mem.snapshot()
		return len(closes) == 1
	}, 5*time.Second, 10*time.Millisecond)
	msgs, closes := mem.snapshot()
	assert.Equal(t, 1, mem.count(message.ActionError))
	assert.Equal(t, message.ClientNewFrame{FrameCount: 0}, msgs[0])
	assert.Contains(t, closes[0].Message, "exploded")
	assert.False(t, m.Archive().IsOnline("S1"))

	require.NoError(t, m.Shutdown(5*time.Second))
	assert.Equal(t, []history.EventType{history.EventCreated, history.EventFailed}, sink.types())
}

func TestManager_NaturalCompletion(t *testing.T) {
	m := newTestManager(t, 0)
	sink := &memSink{}
	m.SetHistorySinks(sink)
	p, mem := register(t, m, "S1", growth(), "max_steps=2")

	_, err := m.Create("S1", p, WorkerInProcess)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, closes := mem.snapshot()
		return len(closes) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsRunning("S1"))

	sum, err := m.Archive().Summary("S1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.NumFrames)
	assert.Equal(t, 2, mem.count(message.ActionNewFrame))

	require.NoError(t, m.Shutdown(5*time.Second))
	assert.Equal(t, []history.EventType{history.EventCreated, history.EventStopped}, sink.types())
}

func TestManager_ListAndGet(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)
	for _, id := range []string{"B", "A"} {
		p, _ := register(t, m, id, growth(), "max_steps=100000")
		_, err := m.Create(id, p, WorkerInProcess)
		require.NoError(t, err)
	}
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].ID)
	assert.Equal(t, WorkerInProcess, list[0].Worker)

	in, err := m.Get("B")
	require.NoError(t, err)
	assert.Equal(t, "growth", in.Backend)
	_, err = m.Get("C")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.WorkerPIDs())
}

func TestManager_UnknownWorkerKind(t *testing.T) {
	m := newTestManager(t, 0)
	p, _ := register(t, m, "S1", growth(), "")
	_, err := m.Create("S1", p, WorkerKind("thread"))
	assert.Error(t, err)
	assert.False(t, m.IsRunning("S1"))
}

func remoteVersion() backend.Version {
	return backend.Version{URL: "https://example.com/model.git", Branch: "main"}
}

func TestManager_CreateDeferredStartsAfterFetch(t *testing.T) {
	m := newTestManager(t, 0)
	p, mem := register(t, m, "S1", remoteVersion(), "")
	release := make(chan struct{})

	err := m.CreateDeferred("S1", p, WorkerInProcess, func(ctx context.Context, progress func(string)) error {
		<-release
		progress("Receiving objects: 100%")
		return os.WriteFile(filepath.Join(p.BackendDir, backend.ManifestName),
			[]byte("model = \"growth\"\n[growth]\nmax_steps = 2\n"), 0o644)
	})
	require.NoError(t, err)

	logs := &member{}
	require.True(t, m.Bus().Join(groups.InitLogs("S1"), logs))
	assert.True(t, m.IsRunning("S1"), "placeholder counts as running")
	assert.ErrorIs(t, m.SendMessage("S1", message.Stop{}), ErrNotReady)
	assert.ErrorIs(t, m.CreateDeferred("S1", p, WorkerInProcess, nil), ErrDuplicateID)

	close(release)
	require.Eventually(t, func() bool { return mem.count(message.ActionNewFrame) == 2 }, 10*time.Second, 10*time.Millisecond)

	msgs, closes := logs.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, message.InfoLog{Text: "Receiving objects: 100%"}, msgs[0])
	assert.Equal(t, message.CloseInfoLog{}, msgs[1])
	require.Len(t, closes, 1)
	assert.Equal(t, groups.CloseNormal, closes[0].Code)
}

func TestManager_CreateDeferredFetchFailure(t *testing.T) {
	m := newTestManager(t, 0)
	p, mem := register(t, m, "S1", remoteVersion(), "")
	logs := &member{}
	require.NoError(t, m.Bus().CreateGroup(groups.InitLogs("S1")))
	require.True(t, m.Bus().Join(groups.InitLogs("S1"), logs))

	err := m.CreateDeferred("S1", p, WorkerInProcess, func(context.Context, func(string)) error {
		return &backend.FetchError{URL: "u", Branch: "b", Err: errors.New("repository not found")}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !m.IsRunning("S1") }, 5*time.Second, 10*time.Millisecond)

	info, ok := m.Bus().CloseInfo(groups.InitLogs("S1"))
	require.True(t, ok)
	assert.Equal(t, groups.CloseFetchFailed, info.Code)
	assert.Contains(t, info.Message, cloneErrorBanner)
	assert.Contains(t, info.Message, "repository not found")

	msgs, _ := logs.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, info.Message, msgs[0].(message.InfoLog).Text)

	_, closes := mem.snapshot()
	require.Len(t, closes, 1)
	assert.Equal(t, groups.CloseFetchFailed, closes[0].Code)
}

func TestManager_CreateDeferredStartFailure(t *testing.T) {
	m := newTestManager(t, 0)
	m.opts.WorkerCommand = []string{filepath.Join(t.TempDir(), "no-such-worker")}
	p, mem := register(t, m, "S1", remoteVersion(), "")
	logs := &member{}
	require.NoError(t, m.Bus().CreateGroup(groups.InitLogs("S1")))
	require.True(t, m.Bus().Join(groups.InitLogs("S1"), logs))

	err := m.CreateDeferred("S1", p, WorkerProcess, func(context.Context, func(string)) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := m.Bus().CloseInfo(groups.SimComms("S1"))
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, m.IsRunning("S1"))
	assert.False(t, m.Archive().IsOnline("S1"))
	info, _ := m.Bus().CloseInfo(groups.SimComms("S1"))
	assert.Equal(t, groups.CloseUnavailable, info.Code)
	assert.Contains(t, info.Message, "start simulation S1")

	_, closes := mem.snapshot()
	require.Len(t, closes, 1)
	assert.Equal(t, groups.CloseUnavailable, closes[0].Code)

	require.Eventually(t, func() bool {
		_, ok := m.Bus().CloseInfo(groups.InitLogs("S1"))
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	logInfo, _ := m.Bus().CloseInfo(groups.InitLogs("S1"))
	assert.Equal(t, groups.CloseUnavailable, logInfo.Code)
}

func TestManager_CreateStartFailureClosesGroup(t *testing.T) {
	m := newTestManager(t, 0)
	m.opts.WorkerCommand = []string{filepath.Join(t.TempDir(), "no-such-worker")}
	p, mem := register(t, m, "S1", growth(), "")

	_, err := m.Create("S1", p, WorkerProcess)
	require.Error(t, err)
	assert.False(t, m.IsRunning("S1"))
	assert.False(t, m.Archive().IsOnline("S1"))
	_, closes := mem.snapshot()
	require.Len(t, closes, 1)
	assert.Equal(t, groups.CloseUnavailable, closes[0].Code)
}

func TestManager_StopWhileFetching(t *testing.T) {
	m := newTestManager(t, 0)
	p, _ := register(t, m, "S1", remoteVersion(), "")
	started := make(chan struct{})
	err := m.CreateDeferred("S1", p, WorkerInProcess, func(ctx context.Context, _ func(string)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started
	require.True(t, m.Stop("S1", false))

	require.Eventually(t, func() bool {
		_, ok := m.Bus().CloseInfo(groups.InitLogs("S1"))
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	info, _ := m.Bus().CloseInfo(groups.InitLogs("S1"))
	assert.Equal(t, groups.CloseNormal, info.Code)
	assert.False(t, m.IsRunning("S1"))
}

func TestManager_ShutdownStopsEverything(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)
	var mems []*member
	for _, id := range []string{"S1", "S2"} {
		p, mem := register(t, m, id, growth(), "max_steps=100000")
		mems = append(mems, mem)
		_, err := m.Create(id, p, WorkerInProcess)
		require.NoError(t, err)
	}
	require.NoError(t, m.Shutdown(5*time.Second))
	assert.Empty(t, m.List())
	for _, mem := range mems {
		_, closes := mem.snapshot()
		require.Len(t, closes, 1)
		assert.Equal(t, groups.CloseUnavailable, closes[0].Code)
	}
}
