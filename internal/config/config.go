// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	WorldDir  string          `yaml:"world_dir"`
	ChunkSize int             `yaml:"chunk_size"`
	IndexDB   string          `yaml:"index_db,omitempty"`
	LogLevel  string          `yaml:"log_level"`
	Streaming StreamingConfig `yaml:"streaming"`
	Storage   StorageConfig   `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	Status    StatusConfig    `yaml:"status"`
	Mirror    MirrorConfig    `yaml:"mirror"`
}

type StreamingConfig struct {
	WorkerThreads    int          `yaml:"worker_threads"`
	UpdateIntervalMS int          `yaml:"update_interval_ms"`
	MaxQueuedTasks   int          `yaml:"max_queued_tasks"`
	MaxRetries       int          `yaml:"max_retries"`
	FocusRadius      float64      `yaml:"focus_radius"`
	Memory           MemoryConfig `yaml:"memory"`
}

type MemoryConfig struct {
	MaxChunkBytes int64 `yaml:"max_chunk_bytes"`
	MaxMeshBytes  int64 `yaml:"max_mesh_bytes"`
	ReserveBytes  int64 `yaml:"reserve_bytes"`
}

type StorageConfig struct {
	CompressionLevel  int `yaml:"compression_level"`
	MetadataCacheSize int `yaml:"metadata_cache_size"`
}

type RegistryConfig struct {
	SavesPerUpdate int `yaml:"saves_per_update"`
}

type StatusConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// MirrorConfig enables off-site chunk backup to an S3-compatible bucket.
// Credentials may come from VS_MIRROR_ACCESS_KEY / VS_MIRROR_SECRET_KEY
// instead of the file.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	Workers   int    `yaml:"workers,omitempty"`
}

// Enabled reports whether mirroring is configured at all.
func (m MirrorConfig) Enabled() bool { return m.Endpoint != "" }

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		WorldDir:  "world",
		ChunkSize: 16,
		LogLevel:  "info",
		Streaming: StreamingConfig{
			WorkerThreads:    4,
			UpdateIntervalMS: 500,
			MaxQueuedTasks:   1000,
			MaxRetries:       3,
			FocusRadius:      100,
			Memory: MemoryConfig{
				MaxChunkBytes: 512 << 20,
				MaxMeshBytes:  256 << 20,
				ReserveBytes:  64 << 20,
			},
		},
		Storage: StorageConfig{
			CompressionLevel:  6,
			MetadataCacheSize: 1000,
		},
		Registry: RegistryConfig{
			SavesPerUpdate: 4,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.WorldDir = strings.TrimSpace(c.WorldDir)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 16
	}
	if c.Streaming.WorkerThreads <= 0 {
		c.Streaming.WorkerThreads = 4
	}
	if c.Streaming.UpdateIntervalMS <= 0 {
		c.Streaming.UpdateIntervalMS = 500
	}
	if c.Streaming.MaxQueuedTasks <= 0 {
		c.Streaming.MaxQueuedTasks = 1000
	}
	if c.Streaming.MaxRetries < 0 {
		c.Streaming.MaxRetries = 3
	}
	if c.Streaming.FocusRadius <= 0 {
		c.Streaming.FocusRadius = 100
	}
	if c.Storage.MetadataCacheSize <= 0 {
		c.Storage.MetadataCacheSize = 1000
	}
	if c.Registry.SavesPerUpdate <= 0 {
		c.Registry.SavesPerUpdate = 4
	}
	c.Mirror.Endpoint = strings.TrimSpace(c.Mirror.Endpoint)
	if c.Mirror.AccessKey == "" {
		c.Mirror.AccessKey = os.Getenv("VS_MIRROR_ACCESS_KEY")
	}
	if c.Mirror.SecretKey == "" {
		c.Mirror.SecretKey = os.Getenv("VS_MIRROR_SECRET_KEY")
	}
	if c.Mirror.Workers <= 0 {
		c.Mirror.Workers = 2
	}
}

func (c Config) Validate() error {
	if c.WorldDir == "" {
		return fmt.Errorf("world_dir must not be empty")
	}
	if c.ChunkSize < 1 || c.ChunkSize > 256 {
		return fmt.Errorf("chunk_size must be in [1, 256]")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	if c.Storage.CompressionLevel < 0 || c.Storage.CompressionLevel > 9 {
		return fmt.Errorf("storage.compression_level must be in [0, 9]")
	}
	m := c.Streaming.Memory
	if m.MaxChunkBytes <= 0 || m.MaxMeshBytes <= 0 {
		return fmt.Errorf("streaming.memory limits must be > 0")
	}
	if m.ReserveBytes < 0 {
		return fmt.Errorf("streaming.memory.reserve_bytes must be >= 0")
	}
	if c.Mirror.Enabled() {
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket is required when mirror.endpoint is set")
		}
		if c.Mirror.AccessKey == "" || c.Mirror.SecretKey == "" {
			return fmt.Errorf("mirror credentials are required when mirror.endpoint is set")
		}
	}
	return nil
}
