// Package config loads node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets and connection strings.
const (
	EnvDatabaseDSN    = "FEEDSYNC_DATABASE_DSN"
	EnvMinioAccessKey = "FEEDSYNC_MINIO_ACCESS_KEY"
	EnvMinioSecretKey = "FEEDSYNC_MINIO_SECRET_KEY"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type NodeConfig struct {
	PeerID  string `yaml:"peer_id"`
	ActorID string `yaml:"actor_id"`
	// Authority enables position assignment in the local store.
	Authority bool `yaml:"authority"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | postgres
	DSN    string `yaml:"dsn"`
}

type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type SyncConfig struct {
	AuthorityURL    string            `yaml:"authority_url"`
	AuthorityPeerID string            `yaml:"authority_peer_id"`
	Interval        time.Duration     `yaml:"interval"`
	BatchSize       int               `yaml:"batch_size"`
	RequestTimeout  time.Duration     `yaml:"request_timeout"`
	Partitions      []PartitionConfig `yaml:"partitions"`
}

type PartitionConfig struct {
	SpaceID       string `yaml:"space_id"`
	FeedNamespace string `yaml:"feed_namespace"`
}

type RetentionConfig struct {
	Interval time.Duration     `yaml:"interval"`
	Policies []RetentionPolicy `yaml:"policies"`
}

// RetentionPolicy keeps at most MaxBlocks blocks in every feed of a
// partition.
type RetentionPolicy struct {
	SpaceID       string `yaml:"space_id"`
	FeedNamespace string `yaml:"feed_namespace"`
	MaxBlocks     int64  `yaml:"max_blocks"`
}

type ArchiveConfig struct {
	Kind      string `yaml:"kind"` // none | dir | minio
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns a single-node configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults, overrides from the environment and validates a
// config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.PeerID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Node.PeerID = host
		} else {
			c.Node.PeerID = "feedsync"
		}
	}
	if c.Node.ActorID == "" {
		c.Node.ActorID = c.Node.PeerID
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite3" {
		c.Storage.DSN = "feedsync.db"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Second
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 500
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 30 * time.Second
	}
	if c.Sync.AuthorityPeerID == "" {
		c.Sync.AuthorityPeerID = "authority"
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = time.Minute
	}
	if c.Archive.Kind == "" {
		c.Archive.Kind = "none"
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "us-east-1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		c.Storage.DSN = dsn
	}
	if key := os.Getenv(EnvMinioAccessKey); key != "" {
		c.Archive.AccessKey = key
	}
	if secret := os.Getenv(EnvMinioSecretKey); secret != "" {
		c.Archive.SecretKey = secret
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite3 or postgres", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required (set "+EnvDatabaseDSN+" or config)"))
	}

	if c.Sync.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size %d is negative", c.Sync.BatchSize))
	}
	if c.Sync.Interval < 0 || c.Sync.RequestTimeout < 0 {
		errs = append(errs, errors.New("sync intervals must not be negative"))
	}
	for i, p := range c.Sync.Partitions {
		if p.SpaceID == "" || p.FeedNamespace == "" {
			errs = append(errs, fmt.Errorf("sync.partitions[%d]: space_id and feed_namespace are required", i))
		}
	}
	if c.Sync.AuthorityURL != "" && c.Node.Authority {
		errs = append(errs, errors.New("sync.authority_url is set on an authority node"))
	}

	for i, p := range c.Retention.Policies {
		if p.SpaceID == "" || p.FeedNamespace == "" {
			errs = append(errs, fmt.Errorf("retention.policies[%d]: space_id and feed_namespace are required", i))
		}
		// A feed trimmed to zero would restart its sequence at 0.
		if p.MaxBlocks < 1 {
			errs = append(errs, fmt.Errorf("retention.policies[%d]: max_blocks must be at least 1", i))
		}
	}

	switch c.Archive.Kind {
	case "none":
	case "dir":
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("archive.dir is required for kind dir"))
		}
	case "minio":
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.endpoint and archive.bucket are required for kind minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.kind %q: want none, dir or minio", c.Archive.Kind))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// SyncEnabled reports whether this node replicates from an authority.
func (c *Config) SyncEnabled() bool {
	return c.Sync.AuthorityURL != "" && len(c.Sync.Partitions) > 0
}
