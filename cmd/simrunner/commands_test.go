package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simrunner"
	"github.com/loykin/simrunner/internal/config"
	"github.com/loykin/simrunner/pkg/client"
)

func startDaemon(t *testing.T) APIFlags {
	t.Helper()
	c := simrunner.DefaultConfig()
	c.Server.Listen = "127.0.0.1:0"
	c.Archive.Root = filepath.Join(t.TempDir(), "save-archive")
	c.Runner.WorkerMode = config.WorkerModeInProcess
	c.Runner.FrameInterval = 10 * time.Millisecond
	c.Metrics.Enabled = false
	s, err := simrunner.New(c, simrunner.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return APIFlags{APIUrl: "http://" + s.Addr(), APITimeout: 5 * time.Second}
}

func TestCommand_CreateStatusStop(t *testing.T) {
	api := startDaemon(t)
	var out bytes.Buffer
	c := command{out: &out}
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, CreateFlags{APIFlags: api, Name: "colony", Source: "max_steps=100000"}))
	id := strings.TrimSpace(out.String())
	require.NotEmpty(t, id)

	out.Reset()
	require.NoError(t, c.Status(ctx, SimulationFlags{APIFlags: api}))
	var list []client.Simulation
	require.NoError(t, json.Unmarshal(out.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].UUID)

	out.Reset()
	require.NoError(t, c.Watch(ctx, WatchFlags{APIFlags: api, UUID: id, Frames: 2}))
	assert.Contains(t, out.String(), "simheader")
	assert.Contains(t, out.String(), "frame ")

	out.Reset()
	require.NoError(t, c.Stop(ctx, SimulationFlags{APIFlags: api, UUID: id}))
	assert.Equal(t, "stopped "+id+"\n", out.String())

	out.Reset()
	require.NoError(t, c.Status(ctx, SimulationFlags{APIFlags: api, UUID: id}))
	var st client.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.False(t, st.Running)

	out.Reset()
	require.NoError(t, c.Archive(ctx, api))
	var archived []archivedSimulation
	require.NoError(t, json.Unmarshal(out.Bytes(), &archived))
	require.Len(t, archived, 1)
	assert.Equal(t, id, archived[0].UUID)
	assert.Equal(t, "colony", archived[0].Name)
	assert.Positive(t, archived[0].NumFrames)

	assert.ErrorIs(t, c.Stop(ctx, SimulationFlags{APIFlags: api, UUID: id}), client.ErrNotFound)
}

func TestCommand_CreateFollowFromFile(t *testing.T) {
	api := startDaemon(t)
	src := filepath.Join(t.TempDir(), "colony.txt")
	require.NoError(t, os.WriteFile(src, []byte("max_steps=2"), 0o600))

	var out bytes.Buffer
	c := command{out: &out}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Create(ctx, CreateFlags{APIFlags: api, Name: "short", SourceFile: src, Follow: true}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, "stopped", lines[len(lines)-1])
}

func TestCommand_Validation(t *testing.T) {
	c := command{out: io.Discard}
	ctx := context.Background()
	assert.Error(t, c.Create(ctx, CreateFlags{}))
	assert.Error(t, c.Create(ctx, CreateFlags{Name: "x", SourceFile: filepath.Join(t.TempDir(), "missing")}))
	assert.Error(t, c.Stop(ctx, SimulationFlags{}))
	assert.Error(t, c.Watch(ctx, WatchFlags{}))
}

func TestCommand_UnknownBackend(t *testing.T) {
	api := startDaemon(t)
	c := command{out: io.Discard}
	err := c.Create(context.Background(), CreateFlags{APIFlags: api, Name: "x", Backend: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func TestCommand_MetricsDisabled(t *testing.T) {
	api := startDaemon(t)
	c := command{out: io.Discard}
	assert.Error(t, c.Metrics(context.Background(), api))
}

func TestRootHelp(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "simrunner")
	assert.Contains(t, out.String(), "create")
	assert.NotContains(t, out.String(), "Run one simulation")
}

func TestRootRequiresFlags(t *testing.T) {
	root := buildRoot(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"stop"})
	assert.Error(t, root.Execute())

	root = buildRoot(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"create", "--name=x", "--source=a", "--source-file=b"})
	assert.Error(t, root.Execute())
}

func TestWorkerCommandOutsideDaemon(t *testing.T) {
	t.Setenv("SIMRUNNER_WORKER_SPEC", "")
	require.NoError(t, os.Unsetenv("SIMRUNNER_WORKER_SPEC"))
	root := buildRoot(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"worker"})
	assert.Error(t, root.Execute())
}
