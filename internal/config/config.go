package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"logbridge/hub"
	"logbridge/streams"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "LOGBRIDGE__"

	StartOldest = "oldest"
	StartNewest = "newest"
)

type CacheConfig struct {
	SizeMB       int           `koanf:"size_mb"`
	BlockSizeKB  int           `koanf:"block_size_kb"`
	PressureWait time.Duration `koanf:"pressure_wait"`
}

type CheckpointConfig struct {
	Backend         string        `koanf:"backend"` // pebble|sqlite|memory
	Path            string        `koanf:"path"`
	PersistInterval time.Duration `koanf:"persist_interval"`
}

type ReceiverConfig struct {
	StartFrom       string        `koanf:"start_from"` // oldest|newest
	BatchSize       int           `koanf:"batch_size"`
	ReceiveWait     time.Duration `koanf:"receive_wait"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
	File  string `koanf:"file"`
}

type Config struct {
	SchemaVersion string           `koanf:"schema_version"`
	Provider      string           `koanf:"provider"`
	Hub           hub.Settings     `koanf:"hub"`
	Cache         CacheConfig      `koanf:"cache"`
	Checkpoint    CheckpointConfig `koanf:"checkpoint"`
	Receiver      ReceiverConfig   `koanf:"receiver"`
	Logging       LoggingConfig    `koanf:"logging"`
	GRPCPort      int              `koanf:"grpc_port"`
	MetricsPort   int              `koanf:"metrics_port"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Load merges YAML (if present) with env-vars
// (prefix `LOGBRIDGE__`, delimiter `__`, e.g. LOGBRIDGE__HUB__CONNECTION_STRING).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return nil, fmt.Errorf("schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(EnvPrefix, "__", envKey), nil); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyDefaults(&cfg)

	hs, err := cfg.Hub.Resolve()
	if err != nil {
		return nil, err
	}
	cfg.Hub = hs
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	if c.Hub.Driver == "" {
		c.Hub.Driver = hub.DriverSarama
	}
	if c.Cache.SizeMB == 0 {
		c.Cache.SizeMB = 64
	}
	if c.Cache.BlockSizeKB == 0 {
		c.Cache.BlockSizeKB = 1024
	}
	if c.Cache.PressureWait == 0 {
		c.Cache.PressureWait = 5 * time.Second
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "pebble"
	}
	if c.Checkpoint.Path == "" && c.Checkpoint.Backend != "memory" {
		c.Checkpoint.Path = "data/checkpoints"
	}
	if c.Checkpoint.PersistInterval == 0 {
		c.Checkpoint.PersistInterval = 5 * time.Second
	}
	if c.Receiver.StartFrom == "" {
		c.Receiver.StartFrom = StartNewest
	}
	if c.Receiver.BatchSize == 0 {
		c.Receiver.BatchSize = 500
	}
	if c.Receiver.ReceiveWait == 0 {
		c.Receiver.ReceiveWait = time.Second
	}
	if c.Receiver.ShutdownTimeout == 0 {
		c.Receiver.ShutdownTimeout = 10 * time.Second
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = 7070
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9100
	}
}

// Default returns a configuration with every default applied and no provider set.
func Default() *Config {
	var c Config
	applyDefaults(&c)
	return &c
}

// Validate names the first missing or invalid field.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return streams.Missing("provider")
	}
	if err := c.Hub.Validate(); err != nil {
		return err
	}
	if c.Cache.SizeMB <= 0 {
		return streams.Invalid("cache.size_mb", "must be positive")
	}
	if c.Cache.BlockSizeKB <= 0 || c.Cache.BlockSizeKB*1024 > c.Cache.SizeMB<<20 {
		return streams.Invalid("cache.block_size_kb", "must be positive and fit in cache.size_mb")
	}
	if _, err := c.StartPosition(); err != nil {
		return err
	}
	if c.Receiver.BatchSize <= 0 {
		return streams.Invalid("receiver.batch_size", "must be positive")
	}
	if c.Checkpoint.PersistInterval <= 0 {
		return streams.Invalid("checkpoint.persist_interval", "must be positive")
	}
	return nil
}

// StartPosition maps receiver.start_from onto a read position.
func (c *Config) StartPosition() (streams.Position, error) {
	switch strings.ToLower(c.Receiver.StartFrom) {
	case StartOldest:
		return streams.FromStart(), nil
	case StartNewest, "":
		return streams.FromEnd(), nil
	}
	return streams.Position{}, streams.Invalid("receiver.start_from", "must be %q or %q", StartOldest, StartNewest)
}
