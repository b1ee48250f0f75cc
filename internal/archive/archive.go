// Package archive persists simulation frame history on disk. A master
// index.json maps simulation ids to their directories; each simulation
// directory has its own index.json listing frames, plus a cache/ dir holding
// frame files and optionally a backend/ dir for fetched backend code.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	DefaultRoot     = "./save-archive"
	IndexFileName   = "index.json"
	RelCacheDir     = "./cache"
	RelBackendDir   = "./backend"
	dirPermissions  = 0o755
	filePermissions = 0o644
)

var (
	ErrNotFound = errors.New("not found in archive")
	ErrExists   = errors.New("simulation already archived")
	ErrBadPath  = errors.New("invalid simulation path")
)

// Paths locates a newly registered simulation on disk.
type Paths struct {
	Root       string
	Index      string
	Cache      string
	RelCache   string
	Backend    string // empty unless a backend dir was requested
	RelBackend string
}

type master struct {
	SavedSimulations map[string]string `json:"saved_simulations"`
}

// Archive is the supervisor-side view of the save archive. Simulation index
// data is cached in memory and refreshed through UpdateIndex as workers
// report new frames.
type Archive struct {
	root       string
	masterPath string

	mu     sync.RWMutex
	master master
	sims   map[string]*Index
	online map[string]struct{}
}

// Open loads the archive at root, creating it when missing.
func Open(root string) (*Archive, error) {
	if root == "" {
		root = DefaultRoot
	}
	if err := os.MkdirAll(root, dirPermissions); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	a := &Archive{
		root:       root,
		masterPath: filepath.Join(root, IndexFileName),
		master:     master{SavedSimulations: map[string]string{}},
		sims:       map[string]*Index{},
		online:     map[string]struct{}{},
	}
	b, err := os.ReadFile(a.masterPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := a.writeMaster(); err != nil {
			return nil, err
		}
		return a, nil
	case err != nil:
		return nil, fmt.Errorf("read master index: %w", err)
	}
	if err := json.Unmarshal(b, &a.master); err != nil {
		return nil, fmt.Errorf("parse master index: %w", err)
	}
	if a.master.SavedSimulations == nil {
		a.master.SavedSimulations = map[string]string{}
	}
	for id, rel := range a.master.SavedSimulations {
		x, err := readIndex(filepath.Join(root, rel, IndexFileName))
		if err != nil {
			slog.Warn("skipping unreadable archived simulation", "simulation", id, "error", err)
			continue
		}
		a.sims[id] = x
	}
	slog.Debug("archive loaded", "root", root, "simulations", len(a.sims))
	return a, nil
}

func readIndex(path string) (*Index, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var x Index
	if err := json.Unmarshal(b, &x); err != nil {
		return nil, err
	}
	return &x, nil
}

func (a *Archive) Root() string { return a.root }

// writeMaster must be called with mu held or before a is shared.
func (a *Archive) writeMaster() error {
	b, err := json.Marshal(a.master)
	if err != nil {
		return err
	}
	return writeFileAtomic(a.masterPath, b)
}

func cleanRel(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	c := filepath.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	return c, nil
}

// RegisterSimulation creates the on-disk layout for a new simulation, records
// it in the master index and marks it online. extra fields are stored in the
// simulation index next to name and frames.
func (a *Archive) RegisterSimulation(id, path, name string, createBackendDir bool, extra map[string]any) (Paths, error) {
	rel, err := cleanRel(path)
	if err != nil {
		return Paths{}, err
	}
	x := NewIndex(name)
	if len(extra) > 0 {
		x.Extra = make(map[string]json.RawMessage, len(extra))
		for k, v := range extra {
			b, err := json.Marshal(v)
			if err != nil {
				return Paths{}, fmt.Errorf("extra %q: %w", k, err)
			}
			x.Extra[k] = b
		}
	}

	root := filepath.Join(a.root, rel)
	p := Paths{
		Root:     root,
		Index:    filepath.Join(root, IndexFileName),
		Cache:    filepath.Join(root, RelCacheDir),
		RelCache: RelCacheDir,
	}
	if createBackendDir {
		p.Backend = filepath.Join(root, RelBackendDir)
		p.RelBackend = RelBackendDir
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.master.SavedSimulations[id]; ok {
		return Paths{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	if err := os.Mkdir(root, dirPermissions); err != nil {
		return Paths{}, fmt.Errorf("create simulation dir: %w", err)
	}
	if err := os.Mkdir(p.Cache, dirPermissions); err != nil {
		return Paths{}, fmt.Errorf("create cache dir: %w", err)
	}
	if createBackendDir {
		if err := os.Mkdir(p.Backend, dirPermissions); err != nil {
			return Paths{}, fmt.Errorf("create backend dir: %w", err)
		}
	}
	b, err := json.Marshal(x)
	if err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(p.Index, b, filePermissions); err != nil {
		return Paths{}, fmt.Errorf("write simulation index: %w", err)
	}
	a.master.SavedSimulations[id] = rel
	if err := a.writeMaster(); err != nil {
		delete(a.master.SavedSimulations, id)
		return Paths{}, err
	}
	a.sims[id] = x
	a.online[id] = struct{}{}
	return p, nil
}

// IndexPath returns the location of a simulation's index.json.
func (a *Archive) IndexPath(id string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rel, ok := a.master.SavedSimulations[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return filepath.Join(a.root, rel, IndexFileName), nil
}

// AppendFrameEntry appends a frame to a simulation's index file. The in-memory
// cache is not touched; the supervisor refreshes it with UpdateIndex when the
// worker reports the frame.
func (a *Archive) AppendFrameEntry(id, step, viz string) ([]byte, int, error) {
	path, err := a.IndexPath(id)
	if err != nil {
		return nil, 0, err
	}
	return AppendToIndexFile(path, step, viz)
}

// Appender returns the FrameAppender a worker uses for simulation id.
func (a *Archive) Appender(id string) (FrameAppender, error) {
	path, err := a.IndexPath(id)
	if err != nil {
		return nil, err
	}
	return FileAppender{Path: path}, nil
}

// UpdateIndex replaces the cached index of id with raw, the serialized index
// returned by an append.
func (a *Archive) UpdateIndex(id string, raw []byte) error {
	var x Index
	if err := json.Unmarshal(raw, &x); err != nil {
		return fmt.Errorf("parse index update: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.master.SavedSimulations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.sims[id] = &x
	return nil
}

// IndexData returns the serialized cached index of id.
func (a *Archive) IndexData(id string) (json.RawMessage, error) {
	a.mu.RLock()
	x, ok := a.sims[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return json.Marshal(x)
}

// Summary is what a client needs to resync with a simulation.
type Summary struct {
	ID        string
	Name      string
	NumFrames int
	Online    bool
}

func (a *Archive) Summary(id string) (Summary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	x, ok := a.sims[id]
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	_, online := a.online[id]
	return Summary{ID: id, Name: x.Name, NumFrames: x.NumFrames, Online: online}, nil
}

// All returns every cached simulation index keyed by id.
func (a *Archive) All() (map[string]json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(a.sims))
	for id, x := range a.sims {
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", id, err)
		}
		out[id] = b
	}
	return out, nil
}

// IDs returns the archived simulation ids in sorted order.
func (a *Archive) IDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.sims))
	for id := range a.sims {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Archive) IsOnline(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.online[id]
	return ok
}

// MarkOffline records that a simulation no longer has a running worker.
func (a *Archive) MarkOffline(id string) {
	a.mu.Lock()
	delete(a.online, id)
	a.mu.Unlock()
}

// BinFile returns the path of the visualization file of frame idx.
func (a *Archive) BinFile(id string, idx int) (string, error) {
	return a.framePath(id, idx, func(e FrameEntry) string { return e.Viz })
}

// StepFile returns the path of the step file of frame idx.
func (a *Archive) StepFile(id string, idx int) (string, error) {
	return a.framePath(id, idx, func(e FrameEntry) string { return e.Step })
}

func (a *Archive) framePath(id string, idx int, pick func(FrameEntry) string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rel, ok := a.master.SavedSimulations[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	x, ok := a.sims[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e, ok := x.Frame(idx)
	if !ok {
		return "", fmt.Errorf("%w: frame %d of %s", ErrNotFound, idx, id)
	}
	file := pick(e)
	if file == "" {
		return "", fmt.Errorf("%w: frame %d of %s has no such file", ErrNotFound, idx, id)
	}
	return filepath.Join(a.root, rel, file), nil
}
