package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// FrameEntry points at the files of one frame, relative to the simulation dir.
type FrameEntry struct {
	Step string `json:"step"`
	Viz  string `json:"viz"`
}

// Index is the per-simulation index.json. Fields beyond the known ones (for
// example the backend version a simulation was created with) are kept in Extra
// and written back unchanged.
type Index struct {
	Name      string
	NumFrames int
	Frames    map[string]FrameEntry
	Extra     map[string]json.RawMessage
}

func NewIndex(name string) *Index {
	return &Index{Name: name, Frames: make(map[string]FrameEntry)}
}

// Frame returns the entry at idx.
func (x *Index) Frame(idx int) (FrameEntry, bool) {
	e, ok := x.Frames[strconv.Itoa(idx)]
	return e, ok
}

func (x *Index) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(x.Extra)+3)
	for k, v := range x.Extra {
		out[k] = v
	}
	frames := x.Frames
	if frames == nil {
		frames = map[string]FrameEntry{}
	}
	out["name"] = x.Name
	out["num_frames"] = x.NumFrames
	out["frames"] = frames
	return json.Marshal(out)
}

func (x *Index) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*x = Index{Frames: make(map[string]FrameEntry)}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &x.Name); err != nil {
			return fmt.Errorf("name: %w", err)
		}
		delete(raw, "name")
	}
	if v, ok := raw["num_frames"]; ok {
		if err := json.Unmarshal(v, &x.NumFrames); err != nil {
			return fmt.Errorf("num_frames: %w", err)
		}
		delete(raw, "num_frames")
	}
	if v, ok := raw["frames"]; ok {
		if err := json.Unmarshal(v, &x.Frames); err != nil {
			return fmt.Errorf("frames: %w", err)
		}
		if x.Frames == nil {
			x.Frames = make(map[string]FrameEntry)
		}
		delete(raw, "frames")
	}
	if len(raw) > 0 {
		x.Extra = raw
	}
	return nil
}

// fileLocks serializes appends to the same index file within a process.
var fileLocks sync.Map // path -> *sync.Mutex

func lockFile(path string) func() {
	v, _ := fileLocks.LoadOrStore(filepath.Clean(path), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// AppendToIndexFile appends a frame entry to the index at path and returns the
// serialized index together with the index assigned to the new frame. Indices
// start at 0 and are contiguous.
func AppendToIndexFile(path, step, viz string) ([]byte, int, error) {
	unlock := lockFile(path)
	defer unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read index: %w", err)
	}
	var x Index
	if err := json.Unmarshal(b, &x); err != nil {
		return nil, 0, fmt.Errorf("parse index %s: %w", path, err)
	}
	idx := len(x.Frames)
	x.Frames[strconv.Itoa(idx)] = FrameEntry{Step: step, Viz: viz}
	x.NumFrames = idx + 1

	out, err := json.Marshal(&x)
	if err != nil {
		return nil, 0, err
	}
	if err := writeFileAtomic(path, out); err != nil {
		return nil, 0, err
	}
	return out, idx, nil
}

// FrameAppender records a written frame and reports the serialized index and
// the frame's index.
type FrameAppender interface {
	Append(step, viz string) ([]byte, int, error)
}

// FileAppender appends to an index.json on disk. Worker processes use it
// directly since they have no access to the supervisor's Archive.
type FileAppender struct {
	Path string
}

func (a FileAppender) Append(step, viz string) ([]byte, int, error) {
	return AppendToIndexFile(a.Path, step, viz)
}

// writeFileAtomic replaces path with data through a temp file and rename so
// readers never observe a partial index.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
