package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BucketConfig holds per-bucket engine configuration
type BucketConfig struct {
	Name        string `yaml:"name"`
	NumVBuckets int    `yaml:"num_vbuckets"`
	MaxReplicas int    `yaml:"max_replicas"`
}

// DurabilityConfig holds durability monitor configuration
type DurabilityConfig struct {
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	SweepWorkers         int           `yaml:"sweep_workers"`
	SweepQueueSize       int           `yaml:"sweep_queue_size"`
}

// FailoverConfig holds failover table configuration
type FailoverConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the engine node
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Bucket     BucketConfig     `yaml:"bucket"`
	Durability DurabilityConfig `yaml:"durability"`
	Failover   FailoverConfig   `yaml:"failover"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 11210
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Bucket.Name == "" {
		cfg.Bucket.Name = "default"
	}
	if cfg.Bucket.NumVBuckets == 0 {
		cfg.Bucket.NumVBuckets = 1024
	}
	if cfg.Bucket.MaxReplicas == 0 {
		cfg.Bucket.MaxReplicas = 3
	}

	if cfg.Durability.TimeoutSweepInterval == 0 {
		cfg.Durability.TimeoutSweepInterval = 25 * time.Millisecond
	}
	if cfg.Durability.DefaultTimeout == 0 {
		cfg.Durability.DefaultTimeout = 30 * time.Second
	}
	if cfg.Durability.SweepWorkers == 0 {
		cfg.Durability.SweepWorkers = 4
	}
	if cfg.Durability.SweepQueueSize == 0 {
		cfg.Durability.SweepQueueSize = 128
	}

	if cfg.Failover.MaxEntries == 0 {
		cfg.Failover.MaxEntries = 25
	}

	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9110
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Bucket.NumVBuckets < 1 {
		return fmt.Errorf("bucket.num_vbuckets must be positive")
	}
	if c.Bucket.MaxReplicas < 0 || c.Bucket.MaxReplicas > 3 {
		return fmt.Errorf("bucket.max_replicas must be between 0 and 3")
	}
	if c.Failover.MaxEntries < 1 {
		return fmt.Errorf("failover.max_entries must be positive")
	}
	return nil
}
