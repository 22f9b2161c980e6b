// Package config handles loading and parsing of Cubby configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for Cubby.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Catalog CatalogConfig `yaml:"catalog"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Stats   StatsConfig   `yaml:"stats"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the externally reachable URL used when generating
	// file-request upload scripts. Defaults to http://{host}:{port}.
	BaseURL string `yaml:"base_url"`
	// Region is the region name embedded in SigV4 credential scopes.
	Region string `yaml:"region"`
	// MaxObjectSize caps single uploads and multipart parts, in bytes.
	MaxObjectSize int64     `yaml:"max_object_size"`
	TLS           TLSConfig `yaml:"tls"`
}

// TLSConfig holds the optional HTTPS listener settings. Certificates are
// hot-reloaded on cert_update cache messages and on file changes.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the seed identity created at startup when absent.
type AuthConfig struct {
	// AdminUsername is the username of the seeded administrator account.
	AdminUsername string `yaml:"admin_username"`
	// AdminPassword is hashed (client-salted SHA-256) before storage.
	AdminPassword string `yaml:"admin_password"`
}

// CatalogConfig holds metadata catalog settings.
type CatalogConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific catalog settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// StorageConfig holds blob storage settings.
type StorageConfig struct {
	// RootDir is the base directory for blobs: finalized objects live at
	// {root}/{bucketName}/{objectID}, scratch files under {root}/.temp.
	RootDir string `yaml:"root_dir"`
}

// CacheConfig holds KV cache settings.
type CacheConfig struct {
	// Backend selects the cache implementation: "memory", "redis" or "badger".
	Backend string       `yaml:"backend"`
	Redis   RedisConfig  `yaml:"redis"`
	Badger  BadgerConfig `yaml:"badger"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BadgerConfig holds embedded badger cache settings.
type BadgerConfig struct {
	// Path is the directory for the badger value log and LSM tree.
	Path string `yaml:"path"`
}

// StatsConfig holds the per-bucket stats aggregator settings.
type StatsConfig struct {
	// FlushIntervalSeconds is how often accumulated counters are drained
	// into the catalog.
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values and
// environment-variable overrides last.
// If the primary path fails, it falls back to cubby.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		// Try fallback paths
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "cubby.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "cubby.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			Region:        "us-east-1",
			MaxObjectSize: 5 << 30, // 5 GiB
		},
		Auth: AuthConfig{
			AdminUsername: "admin",
			AdminPassword: "admin",
		},
		Catalog: CatalogConfig{
			SQLite: SQLiteConfig{
				Path: "./data/catalog.db",
			},
		},
		Storage: StorageConfig{
			RootDir: "./data/storage",
		},
		Cache: CacheConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			Badger: BadgerConfig{
				Path: "./data/cache",
			},
		},
		Stats: StatsConfig{
			FlushIntervalSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 5 << 30
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Auth.AdminUsername == "" {
		cfg.Auth.AdminUsername = "admin"
	}
	if cfg.Auth.AdminPassword == "" {
		cfg.Auth.AdminPassword = "admin"
	}
	if cfg.Catalog.SQLite.Path == "" {
		cfg.Catalog.SQLite.Path = "./data/catalog.db"
	}
	if cfg.Storage.RootDir == "" {
		cfg.Storage.RootDir = "./data/storage"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.Redis.Addr == "" {
		cfg.Cache.Redis.Addr = "localhost:6379"
	}
	if cfg.Cache.Badger.Path == "" {
		cfg.Cache.Badger.Path = "./data/cache"
	}
	if cfg.Stats.FlushIntervalSeconds == 0 {
		cfg.Stats.FlushIntervalSeconds = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Server.TLS.CertFile == "" {
		cfg.Server.TLS.CertFile = filepath.Join(cfg.Storage.RootDir, "data", "ssl", "cert.pem")
	}
	if cfg.Server.TLS.KeyFile == "" {
		cfg.Server.TLS.KeyFile = filepath.Join(cfg.Storage.RootDir, "data", "ssl", "key.pem")
	}
}

// applyEnvOverrides applies CUBBY_* environment variables on top of the
// file-derived configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CUBBY_STORAGE_ROOT"); v != "" {
		cfg.Storage.RootDir = v
	}
	if v := os.Getenv("CUBBY_CATALOG_PATH"); v != "" {
		cfg.Catalog.SQLite.Path = v
	}
	if v := os.Getenv("CUBBY_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("CUBBY_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("CUBBY_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("CUBBY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}
