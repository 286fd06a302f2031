package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	// point at a nonexistent file: pure defaults
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SmallFileThresholdBytes != 32<<20 {
		t.Errorf("small_file_threshold_bytes = %d", cfg.SmallFileThresholdBytes)
	}
	if cfg.ChunkSizeBytes != 8<<20 {
		t.Errorf("chunk_size_bytes = %d", cfg.ChunkSizeBytes)
	}
	if cfg.ConflictPolicy != PolicyLocalWins {
		t.Errorf("conflict_policy = %s", cfg.ConflictPolicy)
	}
	if cfg.ChunkReadTimeoutMs != 60000 {
		t.Errorf("chunk_read_timeout_ms = %d", cfg.ChunkReadTimeoutMs)
	}
	if len(cfg.ThumbnailerDenylist) == 0 {
		t.Error("thumbnailer denylist empty by default")
	}
	if cfg.MountPoint == "" || cfg.DBPath == "" || cfg.CacheRoot == "" {
		t.Error("path defaults not populated")
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"mount_point": "/tmp/orchard-test-mount",
		"chunk_size_bytes": 4194304,
		"conflict_policy": "manual",
		"worker_count_io": 8
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MountPoint != "/tmp/orchard-test-mount" {
		t.Errorf("mount_point = %s", cfg.MountPoint)
	}
	if cfg.ChunkSizeBytes != 4<<20 {
		t.Errorf("chunk_size_bytes = %d", cfg.ChunkSizeBytes)
	}
	if cfg.ConflictPolicy != PolicyManual {
		t.Errorf("conflict_policy = %s", cfg.ConflictPolicy)
	}
	if cfg.WorkerCountIO != 8 {
		t.Errorf("worker_count_io = %d", cfg.WorkerCountIO)
	}
	// untouched keys keep defaults
	if cfg.SmallFileThresholdBytes != 32<<20 {
		t.Errorf("small_file_threshold_bytes = %d", cfg.SmallFileThresholdBytes)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			MountPoint:              "/mnt/x",
			DBPath:                  "/tmp/db.sqlite",
			SmallFileThresholdBytes: 32 << 20,
			ChunkSizeBytes:          8 << 20,
			WorkerCountIO:           4,
			WorkerCountMeta:         1,
			ConflictPolicy:          PolicyLocalWins,
			ThumbnailerResponse:     ThumbnailerZero,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing mount point", func(c *Config) { c.MountPoint = "" }},
		{"missing db path", func(c *Config) { c.DBPath = "" }},
		{"chunk size not power of two", func(c *Config) { c.ChunkSizeBytes = 3 << 20 }},
		{"zero chunk size", func(c *Config) { c.ChunkSizeBytes = 0 }},
		{"negative threshold", func(c *Config) { c.SmallFileThresholdBytes = -1 }},
		{"zero io workers", func(c *Config) { c.WorkerCountIO = 0 }},
		{"zero meta workers", func(c *Config) { c.WorkerCountMeta = 0 }},
		{"bad conflict policy", func(c *Config) { c.ConflictPolicy = "coin_flip" }},
		{"bad thumbnailer response", func(c *Config) { c.ThumbnailerResponse = "maybe" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
