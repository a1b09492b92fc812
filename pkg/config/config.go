// Package config provides configuration file support for strata clients.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the client configuration file inside a table's metadata directory.
const FileName = "config.yaml"

// Storage backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Lock providers.
const (
	LockNone      = "none"
	LockInProcess = "inprocess"
	LockFile      = "file"
	LockRedis     = "redis"
	LockZooKeeper = "zookeeper"
)

// Config represents the strata client configuration.
type Config struct {
	LayoutVersion int                 `yaml:"layout_version"` // applied by init; 0 legacy, 1 modern
	Storage       StorageConfig       `yaml:"storage"`
	Lock          LockConfig          `yaml:"lock"`
	TimeGenerator TimeGeneratorConfig `yaml:"time_generator"`
	Logging       LoggingConfig       `yaml:"logging"`
	Audit         AuditConfig         `yaml:"audit"`
}

// StorageConfig selects where the table's metadata lives.
type StorageConfig struct {
	Backend string   `yaml:"backend"` // local, memory, s3
	S3      S3Config `yaml:"s3"`
}

// S3Config configures an S3-compatible object store.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"` // e.g. http://127.0.0.1:9000 for MinIO
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LockConfig configures the mutual-exclusion primitive used when minting
// completion times.
type LockConfig struct {
	Provider       string          `yaml:"provider"` // none, inprocess, file, redis, zookeeper
	LeaseTTL       string          `yaml:"lease_ttl"`
	AcquireTimeout string          `yaml:"acquire_timeout"`
	Redis          RedisConfig     `yaml:"redis"`
	ZooKeeper      ZooKeeperConfig `yaml:"zookeeper"`
}

// RedisConfig configures the Redis lock provider.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ZooKeeperConfig configures the ZooKeeper lock provider.
type ZooKeeperConfig struct {
	Servers        []string `yaml:"servers"`
	Path           string   `yaml:"path"`
	SessionTimeout string   `yaml:"session_timeout"`
}

// TimeGeneratorConfig configures completion time minting.
type TimeGeneratorConfig struct {
	MaxClockSkew string `yaml:"max_clock_skew"`
	Timezone     string `yaml:"timezone"` // utc, local
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// AuditConfig toggles the hash-chained transition log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LayoutVersion: 1,
		Storage: StorageConfig{
			Backend: BackendLocal,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Lock: LockConfig{
			Provider:       LockInProcess,
			LeaseTTL:       "60s",
			AcquireTimeout: "30s",
			ZooKeeper: ZooKeeperConfig{
				Path:           "/strata/locks",
				SessionTimeout: "10s",
			},
		},
		TimeGenerator: TimeGeneratorConfig{
			MaxClockSkew: "200ms",
			Timezone:     "utc",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

// Path returns the config file location for a table rooted at baseDir.
func Path(baseDir string) string {
	return filepath.Join(baseDir, ".strata", FileName)
}

// Load loads configuration from <baseDir>/.strata/config.yaml.
// Returns default config if file doesn't exist.
func Load(baseDir string) (*Config, error) {
	return LoadFile(Path(baseDir))
}

// LoadFile loads configuration from an explicit path, layered over Default.
// A missing file yields the defaults.
func LoadFile(cfgPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to <baseDir>/.strata/config.yaml.
func Save(baseDir string, cfg *Config) error {
	cfgPath := Path(baseDir)

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks enumerations and duration strings.
func (c *Config) Validate() error {
	if c.LayoutVersion != 0 && c.LayoutVersion != 1 {
		return fmt.Errorf("invalid layout_version: %d (must be 0 or 1)", c.LayoutVersion)
	}

	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be local, memory, or s3)", c.Storage.Backend)
	}

	switch c.Lock.Provider {
	case LockNone, LockInProcess, LockFile:
	case LockRedis:
		if c.Lock.Redis.Address == "" {
			return fmt.Errorf("lock.redis.address is required for the redis lock provider")
		}
	case LockZooKeeper:
		if len(c.Lock.ZooKeeper.Servers) == 0 {
			return fmt.Errorf("lock.zookeeper.servers is required for the zookeeper lock provider")
		}
	default:
		return fmt.Errorf("invalid lock provider: %s", c.Lock.Provider)
	}

	switch c.TimeGenerator.Timezone {
	case "utc", "local", "":
	default:
		return fmt.Errorf("invalid time_generator.timezone: %s (must be utc or local)", c.TimeGenerator.Timezone)
	}

	for name, v := range map[string]string{
		"lock.lease_ttl":                 c.Lock.LeaseTTL,
		"lock.acquire_timeout":           c.Lock.AcquireTimeout,
		"lock.zookeeper.session_timeout": c.Lock.ZooKeeper.SessionTimeout,
		"time_generator.max_clock_skew":  c.TimeGenerator.MaxClockSkew,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Duration parses s, returning def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Location resolves the configured time generator zone.
func (c TimeGeneratorConfig) Location() *time.Location {
	if c.Timezone == "local" {
		return time.Local
	}
	return time.UTC
}
