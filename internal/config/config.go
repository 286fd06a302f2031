// Package config loads daemon configuration from the Orchard config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	MountPoint string `mapstructure:"mount_point"`
	CacheRoot  string `mapstructure:"cache_root"`
	DBPath     string `mapstructure:"db_path"`

	SmallFileThresholdBytes int64 `mapstructure:"small_file_threshold_bytes"`
	ChunkSizeBytes          int64 `mapstructure:"chunk_size_bytes"`
	CacheMaxBytes           int64 `mapstructure:"cache_max_bytes"`

	WorkerCountIO   int `mapstructure:"worker_count_io"`
	WorkerCountMeta int `mapstructure:"worker_count_meta"`

	ThumbnailerDenylist []string `mapstructure:"thumbnailer_denylist"`
	// How suppressed reads behave: "zero" returns a zero-filled buffer,
	// "error" returns EIO.
	ThumbnailerResponse string `mapstructure:"thumbnailer_response"`

	RetryBaseMs        int64 `mapstructure:"retry_base_ms"`
	RetryMaxMs         int64 `mapstructure:"retry_max_ms"`
	MaxRetries         int   `mapstructure:"max_retries"`
	ChunkReadTimeoutMs int64 `mapstructure:"chunk_read_timeout_ms"`

	ConflictPolicy string `mapstructure:"conflict_policy"`

	ControlAddr string `mapstructure:"control_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

// Conflict policies.
const (
	PolicyLocalWins  = "local_wins"
	PolicyRemoteWins = "remote_wins"
	PolicyManual     = "manual"
)

// Thumbnailer responses.
const (
	ThumbnailerZero  = "zero"
	ThumbnailerError = "error"
)

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".config", "orchard", "config.json")
}

func defaultCacheRoot() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "orchard", "objects")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "orchard-cache")
	}
	return filepath.Join(home, ".cache", "orchard", "objects")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "orchard")
}

// Load reads configuration from path (or the default location when path is
// empty), applying defaults and environment overrides (ORCHARD_*).
func Load(path string) (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()
	v.SetDefault("mount_point", filepath.Join(home, "iCloud"))
	v.SetDefault("cache_root", defaultCacheRoot())
	v.SetDefault("db_path", filepath.Join(defaultDataDir(), "db.sqlite"))
	v.SetDefault("small_file_threshold_bytes", int64(32<<20))
	v.SetDefault("chunk_size_bytes", int64(8<<20))
	v.SetDefault("cache_max_bytes", int64(10<<30))
	v.SetDefault("worker_count_io", 4)
	v.SetDefault("worker_count_meta", 1)
	v.SetDefault("thumbnailer_denylist", []string{
		"ffmpegthumbnailer", "evince-thumbnailer", "tumbler",
		"gnome-desktop-thumbnailer", "gdk-pixbuf-thumbnailer",
		"tracker-miner-f", "tracker-extract", "baloo_file",
	})
	v.SetDefault("thumbnailer_response", ThumbnailerZero)
	v.SetDefault("retry_base_ms", int64(1000))
	v.SetDefault("retry_max_ms", int64(300000))
	v.SetDefault("max_retries", 5)
	v.SetDefault("chunk_read_timeout_ms", int64(60000))
	v.SetDefault("conflict_policy", PolicyLocalWins)
	v.SetDefault("control_addr", "127.0.0.1:7384")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("ORCHARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount_point is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ChunkSizeBytes <= 0 || c.ChunkSizeBytes&(c.ChunkSizeBytes-1) != 0 {
		return fmt.Errorf("chunk_size_bytes must be a power of two, got %d", c.ChunkSizeBytes)
	}
	if c.SmallFileThresholdBytes <= 0 {
		return fmt.Errorf("small_file_threshold_bytes must be positive")
	}
	if c.WorkerCountIO < 1 {
		return fmt.Errorf("worker_count_io must be at least 1")
	}
	if c.WorkerCountMeta < 1 {
		return fmt.Errorf("worker_count_meta must be at least 1")
	}
	switch c.ConflictPolicy {
	case PolicyLocalWins, PolicyRemoteWins, PolicyManual:
	default:
		return fmt.Errorf("conflict_policy must be one of local_wins, remote_wins, manual")
	}
	switch c.ThumbnailerResponse {
	case ThumbnailerZero, ThumbnailerError:
	default:
		return fmt.Errorf("thumbnailer_response must be zero or error")
	}
	return nil
}
