package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/simrunner/internal/archive"
	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/env"
	"github.com/loykin/simrunner/internal/logger"
	"github.com/loykin/simrunner/internal/metrics"
	"github.com/loykin/simrunner/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. SIMRUNNER_SERVER_LISTEN.
const EnvPrefix = "SIMRUNNER"

// Config represents the top-level TOML structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Backends BackendsConfig `mapstructure:"backends"`
	Log      logger.Config  `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	BasePath          string        `mapstructure:"base_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// AllowedOrigins lists origins allowed to open websockets besides the
	// server's own host and localhost; "*" allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TLS serves HTTPS and WSS on Listen.
	TLS tls.Settings `mapstructure:"tls"`
}

type ArchiveConfig struct {
	Root string `mapstructure:"root"`
}

// RunnerConfig controls how simulations are executed.
type RunnerConfig struct {
	WorkerMode      string        `mapstructure:"worker_mode"`
	WorkerCommand   []string      `mapstructure:"worker_command"`
	FrameInterval   time.Duration `mapstructure:"frame_interval"`
	PollPeriod      time.Duration `mapstructure:"poll_period"`
	CloseGrace      time.Duration `mapstructure:"close_grace"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// worker process environment
	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`
}

type BackendsConfig struct {
	DeltaTime    float64       `mapstructure:"delta_time"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Git          string        `mapstructure:"git"`
}

// HistoryConfig lists external sinks by DSN (see history/factory).
type HistoryConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Sinks        []string `mapstructure:"sinks"`
	RecordFrames bool     `mapstructure:"record_frames"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the
	// main router.
	Listen  string                        `mapstructure:"listen"`
	Workers metrics.WorkerCollectorConfig `mapstructure:"workers"`
}

const (
	WorkerModeProcess   = "process"
	WorkerModeInProcess = "inprocess"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)

	v.SetDefault("archive.root", archive.DefaultRoot)

	v.SetDefault("runner.worker_mode", WorkerModeProcess)
	v.SetDefault("runner.worker_command", []string{})
	v.SetDefault("runner.frame_interval", "0s")
	v.SetDefault("runner.poll_period", "100ms")
	v.SetDefault("runner.close_grace", "3s")
	v.SetDefault("runner.shutdown_timeout", "10s")
	v.SetDefault("runner.use_os_env", true)
	v.SetDefault("runner.env_files", []string{})
	v.SetDefault("runner.env", []string{})

	v.SetDefault("backends.delta_time", backend.DefaultDeltaTime)
	v.SetDefault("backends.fetch_timeout", "5m")
	v.SetDefault("backends.git", "git")

	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.record_frames", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.workers.enabled", true)
	v.SetDefault("metrics.workers.interval", "5s")
	v.SetDefault("metrics.workers.max_history", 60)
}

// Load reads the TOML file at path over the defaults. An empty path loads
// defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used without a config file.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		panic(err) // defaults are static
	}
	return c
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if bp := c.Server.BasePath; bp != "" && (!strings.HasPrefix(bp, "/") || strings.HasSuffix(bp, "/")) {
		errs = append(errs, fmt.Errorf("server.base_path %q must start and not end with /", bp))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	if c.Archive.Root == "" {
		errs = append(errs, errors.New("archive.root is required"))
	}
	switch c.Runner.WorkerMode {
	case WorkerModeProcess, WorkerModeInProcess:
	default:
		errs = append(errs, fmt.Errorf("runner.worker_mode %q must be %q or %q",
			c.Runner.WorkerMode, WorkerModeProcess, WorkerModeInProcess))
	}
	for name, d := range map[string]time.Duration{
		"runner.frame_interval":   c.Runner.FrameInterval,
		"runner.poll_period":      c.Runner.PollPeriod,
		"runner.close_grace":      c.Runner.CloseGrace,
		"runner.shutdown_timeout": c.Runner.ShutdownTimeout,
		"backends.fetch_timeout":  c.Backends.FetchTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Backends.DeltaTime <= 0 {
		errs = append(errs, errors.New("backends.delta_time must be positive"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one sink"))
	}
	return errors.Join(errs...)
}

// WorkerEnv composes the environment of worker processes: the server's own
// environment when use_os_env is set, then env_files in order, then env.
func (r RunnerConfig) WorkerEnv() ([]string, error) {
	e := env.New(r.UseOSEnv)
	for _, p := range r.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("runner.env_files: %w", err)
		}
	}
	if err := e.SetPairs(r.Env); err != nil {
		return nil, fmt.Errorf("runner.env: %w", err)
	}
	return e.List(), nil
}
