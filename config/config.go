// Package config loads and validates the runtime configuration for the
// outbox daemon.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mosaicapps/outbox/errs"
)

// Storage backends for the durable queue blobs.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Duration wraps time.Duration so YAML documents can spell intervals as
// strings like "500ms" or "1m". Plain integers decode as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return errs.New("config/load", errs.CodeInvalid,
				errs.WithMessage("invalid duration "+raw), errs.WithCause(err))
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return errs.New("config/load", errs.CodeInvalid,
			errs.WithMessage("invalid duration"), errs.WithCause(err))
	}
	*d = Duration(ns)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Remote    RemoteConfig    `yaml:"remote"`
	Processor ProcessorConfig `yaml:"processor"`
	Triggers  TriggerConfig   `yaml:"triggers"`
}

// StorageConfig selects and parameterizes the queue blob backend.
type StorageConfig struct {
	// Backend is one of memory, file, postgres.
	Backend string `yaml:"backend"`
	// Path is the directory for the file backend.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// RemoteConfig parameterizes the HTTP record service client.
type RemoteConfig struct {
	BaseURL           string   `yaml:"base_url"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// ProcessorConfig bounds the drain loop.
type ProcessorConfig struct {
	MaxConcurrentGroups int      `yaml:"max_concurrent_groups"`
	MaxAttempts         int      `yaml:"max_attempts"`
	BackoffBase         Duration `yaml:"backoff_base"`
	BackoffCap          Duration `yaml:"backoff_cap"`
}

// TriggerConfig schedules the drain and stats loops and the connectivity
// watcher.
type TriggerConfig struct {
	// DrainInterval is the periodic drain cadence. Zero disables the ticker.
	DrainInterval Duration `yaml:"drain_interval"`
	// StatsInterval is the queue stats publishing cadence. Zero disables it.
	StatsInterval Duration `yaml:"stats_interval"`
	// ConnectivityURL is the websocket endpoint probed to detect the
	// offline-to-online transition. Empty disables the watcher.
	ConnectivityURL string `yaml:"connectivity_url"`
	// Heartbeat is the ping cadence on an established probe connection.
	Heartbeat Duration `yaml:"heartbeat"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

// Load reads the YAML configuration at path, overlays environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.New("config/load", errs.CodeInvalid,
			errs.WithMessage("read config file"), errs.WithCause(err))
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.New("config/load", errs.CodeInvalid,
			errs.WithMessage("decode config"), errs.WithCause(err))
	}
	cfg.FromEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv overlays environment variables on the configuration. Deployments
// inject the connection string and remote endpoint this way instead of
// writing secrets into the file.
func (c *Config) FromEnv() {
	if v := os.Getenv("OUTBOX_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("OUTBOX_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("OUTBOX_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("OUTBOX_REMOTE_BASE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
}

// Parse decodes and validates a YAML configuration document.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.New("config/load", errs.CodeInvalid,
			errs.WithMessage("decode config"), errs.WithCause(err))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = Duration(15 * time.Second)
	}
	if c.Remote.Burst <= 0 {
		c.Remote.Burst = 1
	}
	if c.Processor.MaxConcurrentGroups <= 0 {
		c.Processor.MaxConcurrentGroups = 3
	}
	if c.Processor.MaxAttempts <= 0 {
		c.Processor.MaxAttempts = 5
	}
	if c.Processor.BackoffBase <= 0 {
		c.Processor.BackoffBase = Duration(time.Second)
	}
	if c.Processor.BackoffCap <= 0 {
		c.Processor.BackoffCap = Duration(30 * time.Second)
	}
	if c.Triggers.DrainInterval < 0 {
		c.Triggers.DrainInterval = 0
	}
	if c.Triggers.StatsInterval < 0 {
		c.Triggers.StatsInterval = 0
	}
	if c.Triggers.Heartbeat <= 0 {
		c.Triggers.Heartbeat = Duration(30 * time.Second)
	}
}

// Validate rejects configurations that cannot be wired into a running daemon.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Path == "" {
			return errs.New("config/validate", errs.CodeInvalid,
				errs.WithMessage("file backend requires storage.path"))
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errs.New("config/validate", errs.CodeInvalid,
				errs.WithMessage("postgres backend requires storage.dsn"))
		}
	default:
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("unknown storage backend "+c.Storage.Backend))
	}
	if c.Processor.BackoffCap < c.Processor.BackoffBase {
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("backoff cap below backoff base"))
	}
	return nil
}
