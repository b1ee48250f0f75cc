package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ManifestName is the file a fetched backend repository must provide at its
// root. It selects a built-in model and its settings, for example:
//
//	model = "growth"
//	[growth]
//	max_steps = 40
//	seed_cells = 3
const ManifestName = "backend.toml"

// Manifest is the decoded backend.toml.
type Manifest struct {
	Model  string `mapstructure:"model"`
	Source string `mapstructure:"source"`
}

// LoadManifest reads dir/backend.toml.
func LoadManifest(dir string) (*viper.Viper, Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(path); err != nil {
		return nil, Manifest{}, fmt.Errorf("backend manifest: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, Manifest{}, fmt.Errorf("read backend manifest: %w", err)
	}
	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, Manifest{}, fmt.Errorf("decode backend manifest: %w", err)
	}
	m.Model = strings.TrimSpace(m.Model)
	if m.Model == "" {
		return nil, Manifest{}, errors.New("backend manifest: model is required")
	}
	return v, m, nil
}

// Fetched runs a backend whose code was fetched into the simulation's
// backend dir. The manifest picks one of the registry's built-in models.
type Fetched struct {
	params Parameters
	reg    *Registry
	inner  Backend
}

// NewFetched returns the remote Factory bound to reg.
func NewFetched(reg *Registry) Factory {
	return func(p Parameters) (Backend, error) {
		return &Fetched{params: p, reg: reg}, nil
	}
}

func (f *Fetched) Initialize() error {
	tag := f.params.Version.String()
	if f.params.BackendDir == "" {
		return &InitializationError{Tag: tag, Err: errors.New("no backend directory")}
	}
	v, m, err := LoadManifest(f.params.BackendDir)
	if err != nil {
		return &InitializationError{Tag: tag, Err: err}
	}

	p := f.params
	p.Version = Version{Tag: m.Model}
	if p.Source == "" {
		p.Source = m.Source
	}

	var inner Backend
	switch m.Model {
	case GrowthTag:
		cfg := DefaultGrowthConfig()
		if v.IsSet(GrowthTag) {
			if err := v.UnmarshalKey(GrowthTag, &cfg); err != nil {
				return &InitializationError{Tag: tag, Err: fmt.Errorf("growth settings: %w", err)}
			}
		}
		cfg, err = cfg.Apply(p.Source)
		if err != nil {
			return &InitializationError{Tag: tag, Err: err}
		}
		inner = NewGrowthWithConfig(p, cfg)
	default:
		if inner, err = f.reg.New(p); err != nil {
			return err
		}
	}
	if err := inner.Initialize(); err != nil {
		return err
	}
	f.inner = inner
	return nil
}

func (f *Fetched) Step() error {
	if f.inner == nil {
		return &StepError{Err: errors.New("backend not initialized")}
	}
	return f.inner.Step()
}

func (f *Fetched) IsRunning() bool {
	return f.inner != nil && f.inner.IsRunning()
}

func (f *Fetched) WriteStepFiles() (string, string, error) {
	if f.inner == nil {
		return "", "", errors.New("backend not initialized")
	}
	return f.inner.WriteStepFiles()
}

func (f *Fetched) Shutdown() {
	if f.inner != nil {
		f.inner.Shutdown()
		f.inner = nil
	}
}
