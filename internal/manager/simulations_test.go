package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/message"
)

func TestDecodeCreateRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    CreateRequest
		wantErr bool
	}{
		{
			name: "defaults backend",
			body: `{"name":"colony","source":"max_steps=3"}`,
			want: CreateRequest{Name: "colony", Source: "max_steps=3", Backend: backend.Version{Tag: backend.DefaultTag}},
		},
		{
			name: "null backend",
			body: `{"name":"colony","source":"","backend":null}`,
			want: CreateRequest{Name: "colony", Backend: backend.Version{Tag: backend.DefaultTag}},
		},
		{
			name: "remote backend",
			body: `{"name":"c","source":"","backend":{"url":"https://example.com/m.git","branch":"main","version":"v1"}}`,
			want: CreateRequest{Name: "c", Backend: backend.Version{URL: "https://example.com/m.git", Branch: "main", Release: "v1"}},
		},
		{name: "missing name", body: `{"source":""}`, wantErr: true},
		{name: "missing source", body: `{"name":"c"}`, wantErr: true},
		{name: "empty name", body: `{"name":"","source":""}`, wantErr: true},
		{name: "numeric source", body: `{"name":"c","source":3}`, wantErr: true},
		{name: "not json", body: `name=c`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCreateRequest([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestSimulations(t *testing.T) *Simulations {
	t.Helper()
	m := newTestManager(t, 20*time.Millisecond)
	return NewSimulations(m, SimulationsConfig{DefaultWorker: WorkerInProcess})
}

func TestSimulations_CreateAndHeader(t *testing.T) {
	s := newTestSimulations(t)
	id, err := s.Create(CreateRequest{Name: "colony", Source: "max_steps=100000"})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	mem := &member{}
	require.True(t, s.Manager().Bus().Join(groups.SimComms(id), mem))
	require.Eventually(t, func() bool { return mem.count(message.ActionNewFrame) >= 2 }, 10*time.Second, 10*time.Millisecond)

	h, err := s.Header(id)
	require.NoError(t, err)
	assert.Equal(t, id, h.UUID)
	assert.Equal(t, "colony", h.Name)
	assert.True(t, h.IsOnline)
	assert.GreaterOrEqual(t, h.FrameCount, 2)

	require.NoError(t, s.Stop(id))
	h, err = s.Header(id)
	require.NoError(t, err)
	assert.False(t, h.IsOnline)
	assert.ErrorIs(t, s.Stop(id), ErrNotFound)
}

func TestSimulations_CreateRejectsUnknownBackend(t *testing.T) {
	s := newTestSimulations(t)
	_, err := s.Create(CreateRequest{Name: "x", Backend: backend.Version{Tag: "nope"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, backend.ErrUnknownBackend)
	assert.Empty(t, s.Manager().Archive().IDs())

	_, err = s.Create(CreateRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSimulations_HeaderUnknown(t *testing.T) {
	s := newTestSimulations(t)
	_, err := s.Header("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSimulations_ForgetsRemovedSimulations(t *testing.T) {
	s := newTestSimulations(t)
	stopped, err := s.Create(CreateRequest{Name: "a", Source: "max_steps=100000"})
	require.NoError(t, err)
	finished, err := s.Create(CreateRequest{Name: "b", Source: "max_steps=2"})
	require.NoError(t, err)
	require.True(t, s.known(stopped))

	require.NoError(t, s.Stop(stopped))
	assert.False(t, s.known(stopped))

	require.Eventually(t, func() bool { return !s.known(finished) }, 10*time.Second, 10*time.Millisecond)
	_, err = s.Reload(finished)
	assert.ErrorIs(t, err, ErrNotFound)
}

type stubFetcher struct{ err error }

func (f stubFetcher) Fetch(_ context.Context, _, _, _ string, progress func(string)) error {
	progress("Cloning into 'backend'...")
	return f.err
}

func TestSimulations_RemoteBackendFetchFailure(t *testing.T) {
	m := newTestManager(t, 0)
	s := NewSimulations(m, SimulationsConfig{Fetcher: stubFetcher{err: errors.New("no such repository")}})
	id, err := s.Create(CreateRequest{Name: "r", Backend: backend.Version{URL: "https://example.com/m.git", Branch: "main"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !m.IsRunning(id) }, 5*time.Second, 10*time.Millisecond)
	info, ok := m.Bus().CloseInfo(groups.InitLogs(id))
	require.True(t, ok)
	assert.Equal(t, groups.CloseFetchFailed, info.Code)
	assert.Contains(t, info.Message, "no such repository")
}

func TestSimulations_Reload(t *testing.T) {
	s := newTestSimulations(t)
	id, err := s.Create(CreateRequest{Name: "colony", Source: "max_steps=100000"})
	require.NoError(t, err)
	mem := &member{}
	require.True(t, s.Manager().Bus().Join(groups.SimComms(id), mem))

	next, err := s.Reload(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
	assert.True(t, s.Manager().IsRunning(next))
	assert.False(t, s.Manager().IsRunning(id))

	msgs, closes := mem.snapshot()
	var reload []message.Client
	for _, msg := range msgs {
		if message.ActionOf(msg) == message.ActionReloadDone {
			reload = append(reload, msg)
		}
	}
	assert.Equal(t, []message.Client{message.ReloadDone{UUID: next}}, reload)
	require.Len(t, closes, 1)
	assert.Equal(t, groups.CloseNormal, closes[0].Code)

	_, err = s.Reload(id)
	assert.ErrorIs(t, err, ErrNotFound)
}
