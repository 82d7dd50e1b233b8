package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != 16 {
		t.Fatalf("ChunkSize = %d, want 16", cfg.ChunkSize)
	}
	if cfg.Streaming.WorkerThreads != 4 {
		t.Fatalf("WorkerThreads = %d, want 4", cfg.Streaming.WorkerThreads)
	}
	if cfg.Streaming.Memory.MaxChunkBytes != 512<<20 {
		t.Fatalf("MaxChunkBytes = %d", cfg.Streaming.Memory.MaxChunkBytes)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
world_dir: /tmp/w
chunk_size: 32
log_level: debug
streaming:
  worker_threads: 8
  focus_radius: 50
storage:
  compression_level: 3
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorldDir != "/tmp/w" || cfg.ChunkSize != 32 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Streaming.WorkerThreads != 8 {
		t.Fatalf("WorkerThreads = %d", cfg.Streaming.WorkerThreads)
	}
	// Unset fields keep their defaults.
	if cfg.Streaming.MaxQueuedTasks != 1000 {
		t.Fatalf("MaxQueuedTasks = %d, want default 1000", cfg.Streaming.MaxQueuedTasks)
	}
}

func TestNormalizeRepairsZeroValues(t *testing.T) {
	cfg := Config{WorldDir: "w"}
	cfg.Normalize()
	if cfg.ChunkSize != 16 || cfg.Streaming.WorkerThreads != 4 || cfg.Registry.SavesPerUpdate != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.WorldDir = "" },
		func(c *Config) { c.ChunkSize = 300 },
		func(c *Config) { c.LogLevel = "verbose" },
		func(c *Config) { c.Storage.CompressionLevel = 99 },
		func(c *Config) { c.Streaming.Memory.MaxChunkBytes = 0 },
		func(c *Config) { c.Streaming.Memory.ReserveBytes = -1 },
		func(c *Config) { c.Mirror.Endpoint = "https://bucket.example.com" },
	}
	for i, mutate := range cases {
		cfg := defaults()
		cfg.Normalize()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  compression_level: 99\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
