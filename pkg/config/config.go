package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	configPathENV = "STORYSTREAM_CONFIG"
	envPrefix     = "STORYSTREAM_"
)

type LibraryConfig struct {
	Paths        []string      `koanf:"paths"`
	AutoScan     bool          `koanf:"auto_scan" default:"true"`
	ScanInterval time.Duration `koanf:"scan_interval" default:"1h"`
	MinFileSize  int64         `koanf:"min_file_size" default:"1024"`
	MaxDepth     int           `koanf:"max_depth" default:"10" validate:"gte=1"`
}

type PlayerConfig struct {
	DefaultVolume    int           `koanf:"default_volume" default:"100" validate:"gte=0,lte=100"`
	DefaultSpeed     float64       `koanf:"default_speed" default:"1.0" validate:"gte=0.5,lte=3.0"`
	AutoSaveInterval time.Duration `koanf:"auto_save_interval" default:"5s"`
	ResumeOnStart    bool          `koanf:"resume_on_start" default:"true"`
}

type SyncConfig struct {
	Enabled            bool          `koanf:"enabled"`
	AutoSync           bool          `koanf:"auto_sync"`
	ConflictResolution string        `koanf:"conflict_resolution" default:"use_newest" validate:"oneof=use_newest use_local use_remote merge"`
	TombstoneTTL       time.Duration `koanf:"tombstone_ttl" default:"720h"`
}

type DownloadConfig struct {
	MaxConcurrent    int           `koanf:"max_concurrent" default:"3" validate:"gte=1"`
	BandwidthLimit   int64         `koanf:"bandwidth_limit"` // bytes/sec, 0 = unlimited
	RetryMaxAttempts int           `koanf:"retry_max_attempts" default:"5" validate:"gte=1"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout" default:"10s"`
	HeaderTimeout    time.Duration `koanf:"header_timeout" default:"15s"`
	ChunkTimeout     time.Duration `koanf:"chunk_timeout" default:"30s"`
}

type DatabaseConfig struct {
	FilePath          string        `koanf:"file_path"`
	Debug             bool          `koanf:"debug"`
	MaxRetries        int           `koanf:"max_retries" default:"5"`
	ConnectRetryCount int           `koanf:"connect_retry_count" default:"5"`
	ConnectRetryDelay time.Duration `koanf:"connect_retry_delay" default:"2s"`
	BusyTimeout       time.Duration `koanf:"busy_timeout" default:"5s"`
}

type WorkerConfig struct {
	Processes int           `koanf:"processes" default:"2" validate:"gte=1"`
	FeedURLs  []string      `koanf:"feed_urls"`
	FeedCheck time.Duration `koanf:"feed_check" default:"6h"`
}

type Config struct {
	DataDir  string         `koanf:"data_dir"`
	Library  LibraryConfig  `koanf:"library"`
	Player   PlayerConfig   `koanf:"player"`
	Sync     SyncConfig     `koanf:"sync"`
	Download DownloadConfig `koanf:"download"`
	Database DatabaseConfig `koanf:"database"`
	Worker   WorkerConfig   `koanf:"worker"`
}

// New loads the configuration in layers: struct defaults, then an optional
// yaml file, then environment variables. STORYSTREAM_DOWNLOAD__MAX_CONCURRENT
// maps to download.max_concurrent.
func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithStack(err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		cfg.DataDir = filepath.Join(home, ".storystream")
	}
	if cfg.Database.FilePath == "" {
		cfg.Database.FilePath = filepath.Join(cfg.DataDir, "storystream.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the loaded configuration. Invalid configuration is fatal at
// startup.
func (cfg *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// DownloadStateDir is where the resume store keeps its per-URL records.
func (cfg *Config) DownloadStateDir() string {
	return filepath.Join(cfg.DataDir, "downloads")
}

func findConfigFile() string {
	candidates := []string{"storystream.yaml", "/etc/storystream/config.yaml"}
	if path := os.Getenv(configPathENV); path != "" {
		candidates = []string{path}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
