package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/groups"
	"github.com/loykin/simrunner/internal/manager"
	"github.com/loykin/simrunner/internal/server"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	arc, err := archive.Open(filepath.Join(t.TempDir(), "save-archive"))
	require.NoError(t, err)
	m := manager.NewManager(manager.Options{Archive: arc, Bus: groups.New(), FrameInterval: 10 * time.Millisecond})
	sims := manager.NewSimulations(m, manager.SimulationsConfig{DefaultWorker: manager.WorkerInProcess})
	ts := httptest.NewServer(server.NewRouter(sims, server.Options{}).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = m.Shutdown(5 * time.Second)
	})
	return ts
}

func TestClient_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{BaseURL: ts.URL})
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	id, err := c.Create(ctx, CreateRequest{Name: "colony", Source: "max_steps=100000", Backend: BuiltinBackend("growth")})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Status{UUID: id, Running: true}, st)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].UUID)
	assert.Equal(t, "colony", list[0].Name)

	sim, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "inprocess", sim.Worker)

	var frames int
	var header Header
	done := make(chan error, 1)
	go func() {
		done <- c.Follow(ctx, id, func(ev Event) bool {
			switch ev.Action {
			case "simheader":
				_ = json.Unmarshal(ev.Data, &header)
			case "newframe":
				frames++
			}
			return frames < 3
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("no frames received")
	}
	assert.Equal(t, id, header.UUID)
	assert.True(t, header.IsOnline)

	viz, err := c.FrameData(ctx, id, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, viz)
	step, err := c.StepData(ctx, id, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, step)

	idx, err := c.Index(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, string(idx), `"name":"colony"`)
	all, err := c.AllSimulations(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, id)

	require.NoError(t, c.Stop(ctx, id))
	st, err = c.Status(ctx, id)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.ErrorIs(t, c.Stop(ctx, id), ErrNotFound)
	_, err = c.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_FollowEndsOnStop(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{BaseURL: ts.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := c.Create(ctx, CreateRequest{Name: "colony", Source: "max_steps=100000"})
	require.NoError(t, err)

	var last string
	err = c.Follow(ctx, id, func(ev Event) bool {
		last = ev.Action
		if ev.Action == "newframe" {
			go func() { _ = c.Stop(ctx, id) }()
		}
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "simstopped", last)
}

func TestClient_FollowContextCancel(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{BaseURL: ts.URL})
	id, err := c.Create(context.Background(), CreateRequest{Name: "colony", Source: "max_steps=100000"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = c.Follow(ctx, id, func(Event) bool {
		cancel()
		return true
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Errors(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{BaseURL: ts.URL + "/"})
	ctx := context.Background()

	_, err := c.Create(ctx, CreateRequest{Name: "x", Backend: BuiltinBackend("nope")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")

	_, err = c.FrameData(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.WorkerMetrics(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker metrics disabled")
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	c := New(Config{BaseURL: url, Timeout: time.Second})
	assert.False(t, c.IsReachable(context.Background()))
}

func TestBackendBodies(t *testing.T) {
	assert.JSONEq(t, `"growth"`, string(BuiltinBackend("growth")))
	assert.JSONEq(t, `{"url":"https://example.com/m.git","branch":"main","version":"v1"}`,
		string(RemoteBackend("https://example.com/m.git", "main", "v1")))

	body, err := json.Marshal(CreateRequest{Name: "a", Source: ""})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a","source":""}`, string(body))
}

func TestSetupClientTLS(t *testing.T) {
	cfg, err := setupClientTLS(Config{Insecure: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	cfg, err = setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, ServerName: "sim.local"}})
	require.NoError(t, err)
	assert.Equal(t, "sim.local", cfg.ServerName)

	_, err = setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "none.pem")}})
	assert.Error(t, err)
}
