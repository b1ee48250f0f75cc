package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesMasterIndex(t *testing.T) {
	root := filepath.Join(t.TempDir(), "save-archive")
	a, err := Open(root)
	require.NoError(t, err)
	assert.Empty(t, a.IDs())

	b, err := os.ReadFile(filepath.Join(root, IndexFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"saved_simulations":{}}`, string(b))
}

func TestRegisterSimulation_Layout(t *testing.T) {
	a, err := Open(t.TempDir())
	require.NoError(t, err)

	p, err := a.RegisterSimulation("S1", "S1", "colony", true, map[string]any{"backend_version": "growth"})
	require.NoError(t, err)
	assert.DirExists(t, p.Cache)
	assert.DirExists(t, p.Backend)
	assert.Equal(t, RelCacheDir, p.RelCache)
	assert.Equal(t, RelBackendDir, p.RelBackend)
	assert.True(t, a.IsOnline("S1"))

	raw, err := a.IndexData("S1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"colony","num_frames":0,"frames":{},"backend_version":"growth"}`, string(raw))

	_, err = a.RegisterSimulation("S1", "other", "again", false, nil)
	assert.ErrorIs(t, err, ErrExists)

	_, err = a.RegisterSimulation("S2", "../escape", "x", false, nil)
	assert.ErrorIs(t, err, ErrBadPath)
}

func TestAppendFrameEntry_ContiguousIndices(t *testing.T) {
	a, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = a.RegisterSimulation("S1", "S1", "colony", false, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		raw, idx, err := a.AppendFrameEntry("S1", "./cache/step-"+strconv.Itoa(i)+".step", "./cache/step-"+strconv.Itoa(i)+".viz")
		require.NoError(t, err)
		assert.Equal(t, i, idx)
		require.NoError(t, a.UpdateIndex("S1", raw))
	}

	s, err := a.Summary("S1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.NumFrames)

	path, err := a.BinFile("S1", 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Root(), "S1", "cache", "step-2.viz"), path)
	path, err = a.StepFile("S1", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Root(), "S1", "cache", "step-0.step"), path)

	_, err = a.BinFile("S1", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = a.BinFile("nope", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendToIndexFile_ConcurrentAppendsStayGapless(t *testing.T) {
	a, err := Open(t.TempDir())
	require.NoError(t, err)
	p, err := a.RegisterSimulation("S1", "S1", "colony", false, nil)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	seen := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, idx, err := FileAppender{Path: p.Index}.Append("s", "v")
			assert.NoError(t, err)
			seen <- idx
		}()
	}
	wg.Wait()
	close(seen)

	got := map[int]bool{}
	for idx := range seen {
		got[idx] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, got[i], "missing frame index %d", i)
	}

	x, err := readIndex(p.Index)
	require.NoError(t, err)
	assert.Equal(t, n, x.NumFrames)
}

func TestOpen_LoadsExistingSimulations(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root)
	require.NoError(t, err)
	_, err = a.RegisterSimulation("S1", "S1", "first", false, nil)
	require.NoError(t, err)
	_, _, err = a.AppendFrameEntry("S1", "a.step", "a.viz")
	require.NoError(t, err)

	reopened, err := Open(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, reopened.IDs())
	assert.False(t, reopened.IsOnline("S1"), "loaded simulations have no running worker")

	s, err := reopened.Summary("S1")
	require.NoError(t, err)
	assert.Equal(t, "first", s.Name)
	assert.Equal(t, 1, s.NumFrames)

	all, err := reopened.All()
	require.NoError(t, err)
	require.Contains(t, all, "S1")
	var x map[string]any
	require.NoError(t, json.Unmarshal(all["S1"], &x))
	assert.EqualValues(t, 1, x["num_frames"])
}

func TestMarkOffline(t *testing.T) {
	a, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = a.RegisterSimulation("S1", "S1", "x", false, nil)
	require.NoError(t, err)
	a.MarkOffline("S1")
	assert.False(t, a.IsOnline("S1"))

	s, err := a.Summary("S1")
	require.NoError(t, err)
	assert.False(t, s.Online)
}

func TestIndex_PreservesUnknownFields(t *testing.T) {
	var x Index
	require.NoError(t, json.Unmarshal([]byte(`{"name":"n","num_frames":1,"frames":{"0":{"step":"s","viz":"v"}},"source":"max_steps=3"}`), &x))
	e, ok := x.Frame(0)
	require.True(t, ok)
	assert.Equal(t, FrameEntry{Step: "s", Viz: "v"}, e)

	b, err := json.Marshal(&x)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"n","num_frames":1,"frames":{"0":{"step":"s","viz":"v"}},"source":"max_steps=3"}`, string(b))
}
