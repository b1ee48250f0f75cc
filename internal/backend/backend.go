// Package backend defines the contract a simulation engine implements to be
// driven by a worker, the parameters a worker is started with, and a registry
// of engine constructors keyed by version tag.
package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Backend is one simulation engine instance. Methods are called from a single
// goroutine.
type Backend interface {
	// Initialize prepares the engine. Failures are returned as *InitializationError.
	Initialize() error
	// Step advances the simulation by one step. Failures are returned as *StepError.
	Step() error
	// IsRunning reports whether the simulation wants more steps.
	IsRunning() bool
	// WriteStepFiles writes the current frame and returns the step and
	// visualization file paths relative to the simulation root.
	WriteStepFiles() (step, viz string, err error)
	// Shutdown releases the engine. It is idempotent.
	Shutdown()
}

// MessageHandler is implemented by engines that accept user messages relayed
// from clients while the simulation runs.
type MessageHandler interface {
	HandleMessage(action string, data json.RawMessage) error
}

const DefaultDeltaTime = 0.05

// Parameters is everything a worker needs to run one simulation. It is
// immutable once built and travels to worker processes as JSON.
type Parameters struct {
	ID               string  `json:"uuid"`
	Name             string  `json:"name"`
	Source           string  `json:"source"`
	DeltaTime        float64 `json:"delta_time"`
	RootDir          string  `json:"sim_root_dir"`
	CacheDir         string  `json:"cache_dir"`
	CacheRelPrefix   string  `json:"cache_relative_prefix"`
	BackendDir       string  `json:"backend_dir,omitempty"`
	BackendRelPrefix string  `json:"backend_relative_prefix,omitempty"`
	Version          Version `json:"backend_version"`
}

// Version selects the engine: either a built-in tag or a remote repository
// that is fetched into the simulation's backend dir.
type Version struct {
	Tag string

	URL     string
	Branch  string
	Release string
}

// IsRemote reports whether the version names a repository to fetch.
func (v Version) IsRemote() bool { return v.URL != "" }

func (v Version) String() string {
	if v.IsRemote() {
		return fmt.Sprintf("%s@%s (%s)", v.URL, v.Branch, v.Release)
	}
	return v.Tag
}

type remoteVersion struct {
	URL     string `json:"url"`
	Branch  string `json:"branch"`
	Release string `json:"version"`
}

func (v Version) MarshalJSON() ([]byte, error) {
	if v.IsRemote() {
		return json.Marshal(remoteVersion{URL: v.URL, Branch: v.Branch, Release: v.Release})
	}
	return json.Marshal(v.Tag)
}

func (v *Version) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = Version{}
		return nil
	}
	if b[0] == '"' {
		var tag string
		if err := json.Unmarshal(b, &tag); err != nil {
			return err
		}
		*v = Version{Tag: tag}
		return nil
	}
	var r remoteVersion
	if err := json.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("backend version: %w", err)
	}
	if r.URL == "" || r.Branch == "" {
		return errors.New("backend version: url and branch are required")
	}
	*v = Version{URL: r.URL, Branch: r.Branch, Release: r.Release}
	return nil
}

// InitializationError reports an engine that could not be prepared.
type InitializationError struct {
	Tag string
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize backend %q: %v", e.Tag, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// StepError reports a failed simulation step.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrUnknownBackend is wrapped by InitializationError for unregistered tags.
var ErrUnknownBackend = errors.New("unknown backend")

// Factory constructs an uninitialized engine.
type Factory func(p Parameters) (Backend, error)

// Registry maps version tags to factories. The remote factory handles
// versions that name a repository.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	remote    Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultTag is used when a creation request names no backend.
const DefaultTag = "growth"

// Default returns a registry with the built-in engines.
func Default() *Registry {
	r := NewRegistry()
	r.Register(GrowthTag, NewGrowth)
	r.RegisterRemote(NewFetched(r))
	return r
}

func (r *Registry) Register(tag string, f Factory) {
	r.mu.Lock()
	r.factories[tag] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterRemote(f Factory) {
	r.mu.Lock()
	r.remote = f
	r.mu.Unlock()
}

// Has reports whether v can be served by this registry.
func (r *Registry) Has(v Version) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v.IsRemote() {
		return r.remote != nil
	}
	_, ok := r.factories[v.Tag]
	return ok
}

func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// New builds the engine for p.Version. Unknown tags yield an
// *InitializationError wrapping ErrUnknownBackend.
func (r *Registry) New(p Parameters) (Backend, error) {
	r.mu.RLock()
	f := r.factories[p.Version.Tag]
	if p.Version.IsRemote() {
		f = r.remote
	}
	r.mu.RUnlock()
	if f == nil {
		return nil, &InitializationError{Tag: p.Version.String(), Err: ErrUnknownBackend}
	}
	b, err := f(p)
	if err != nil {
		var ie *InitializationError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &InitializationError{Tag: p.Version.String(), Err: err}
	}
	return b, nil
}
