package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Audiobookshelf server the catalog and progress are mirrored from
	Audiobookshelf struct {
		URL          string        `yaml:"url"`
		Token        string        `yaml:"token"`
		RefreshToken string        `yaml:"refresh_token"`
		LibraryID    string        `yaml:"library_id"`
		Timeout      time.Duration `yaml:"timeout"`
		// PathPrefix is prepended to every API path, e.g. "/audiobookshelf"
		// when the server sits behind a reverse proxy sub-path.
		PathPrefix string `yaml:"path_prefix"`
	} `yaml:"audiobookshelf"`

	Database struct {
		Path   string `yaml:"path"`
		Driver string `yaml:"driver"`
	} `yaml:"database"`

	Sync struct {
		Concurrency int           `yaml:"concurrency"`
		PageSize    int           `yaml:"page_size"`
		StateFile   string        `yaml:"state_file"`
		MaxAge      time.Duration `yaml:"max_age"`
		Interval    time.Duration `yaml:"interval"`
		WarmImages  bool          `yaml:"warm_images"`
		ImageRate   time.Duration `yaml:"image_rate"`
	} `yaml:"sync"`

	Progress struct {
		ThrottleInterval time.Duration `yaml:"throttle_interval"`
		BreakerFailures  uint32        `yaml:"breaker_failures"`
		BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	} `yaml:"progress"`

	Socket struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"socket"`

	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Paths struct {
		CacheDir string `yaml:"cache_dir"`
	} `yaml:"paths"`
}

// Default returns a Config populated with default values
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Audiobookshelf.Timeout = 30 * time.Second
	cfg.Database.Path = "./data/library.db"
	cfg.Database.Driver = "sqlite"
	cfg.Sync.Concurrency = 8
	cfg.Sync.PageSize = 500
	cfg.Sync.StateFile = "./data/sync_state.json"
	cfg.Sync.MaxAge = 24 * time.Hour
	cfg.Sync.WarmImages = true
	cfg.Sync.ImageRate = 100 * time.Millisecond
	cfg.Progress.ThrottleInterval = 5 * time.Second
	cfg.Progress.BreakerFailures = 5
	cfg.Progress.BreakerTimeout = 30 * time.Second
	cfg.Socket.Enabled = true
	cfg.Socket.Path = "/socket.io/"
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Paths.CacheDir = "./cache"
	return cfg
}

// Load builds the configuration from defaults, then the YAML file at path
// (if non-empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	loadFromEnv(cfg)
	cfg.Audiobookshelf.URL = strings.TrimSuffix(cfg.Audiobookshelf.URL, "/")
	cfg.Audiobookshelf.PathPrefix = strings.TrimSuffix(cfg.Audiobookshelf.PathPrefix, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required values are present and numeric settings are sane
func (c *Config) Validate() error {
	var missing []string
	if c.Audiobookshelf.URL == "" {
		missing = append(missing, "AUDIOBOOKSHELF_URL")
	}
	if c.Audiobookshelf.Token == "" {
		missing = append(missing, "AUDIOBOOKSHELF_TOKEN")
	}
	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}

	if c.Sync.Concurrency < 1 {
		return &ConfigError{Field: "sync.concurrency", Msg: "must be at least 1"}
	}
	if c.Sync.PageSize < 0 {
		return &ConfigError{Field: "sync.page_size", Msg: "must not be negative"}
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite-pure":
	default:
		return &ConfigError{Field: "database.driver", Msg: fmt.Sprintf("unsupported driver %q", c.Database.Driver)}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

func loadFromEnv(cfg *Config) {
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Audiobookshelf.URL = getEnv("AUDIOBOOKSHELF_URL", cfg.Audiobookshelf.URL)
	cfg.Audiobookshelf.Token = getEnv("AUDIOBOOKSHELF_TOKEN", cfg.Audiobookshelf.Token)
	cfg.Audiobookshelf.RefreshToken = getEnv("AUDIOBOOKSHELF_REFRESH_TOKEN", cfg.Audiobookshelf.RefreshToken)
	cfg.Audiobookshelf.LibraryID = getEnv("AUDIOBOOKSHELF_LIBRARY_ID", cfg.Audiobookshelf.LibraryID)
	cfg.Audiobookshelf.PathPrefix = getEnv("AUDIOBOOKSHELF_PATH_PREFIX", cfg.Audiobookshelf.PathPrefix)
	cfg.Audiobookshelf.Timeout = getDurationFromEnv("AUDIOBOOKSHELF_TIMEOUT", cfg.Audiobookshelf.Timeout)

	cfg.Database.Path = getEnv("DATABASE_PATH", cfg.Database.Path)
	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)

	cfg.Sync.Concurrency = getIntFromEnv("SYNC_CONCURRENCY", cfg.Sync.Concurrency)
	cfg.Sync.PageSize = getIntFromEnv("SYNC_PAGE_SIZE", cfg.Sync.PageSize)
	cfg.Sync.StateFile = getEnv("SYNC_STATE_FILE", cfg.Sync.StateFile)
	cfg.Sync.MaxAge = getDurationFromEnv("SYNC_MAX_AGE", cfg.Sync.MaxAge)
	cfg.Sync.Interval = getDurationFromEnv("SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.WarmImages = getBoolFromEnv("SYNC_WARM_IMAGES", cfg.Sync.WarmImages)

	cfg.Progress.ThrottleInterval = getDurationFromEnv("PROGRESS_THROTTLE", cfg.Progress.ThrottleInterval)

	cfg.Socket.Enabled = getBoolFromEnv("SOCKET_ENABLED", cfg.Socket.Enabled)

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getDurationFromEnv("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Paths.CacheDir = getEnv("CACHE_DIR", cfg.Paths.CacheDir)
}

// Helper functions for environment variable parsing
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getBoolFromEnv(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		b, err := strconv.ParseBool(value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse bool from env var %s: %v\n", key, err)
			return fallback
		}
		return b
	}
	return fallback
}

func getIntFromEnv(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse int from env var %s: %v\n", key, err)
			return fallback
		}
		return i
	}
	return fallback
}

func getDurationFromEnv(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse duration from env var %s: %v\n", key, err)
			return fallback
		}
		return d
	}
	return fallback
}
