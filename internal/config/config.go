package config

import (
	"fmt"
	"os"
	"time"

	"github.com/SkynetNext/pbufpool/internal/skmem"
	"gopkg.in/yaml.v3"
)

// Config represents daemon configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Log level: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// Cache reap configuration
	Reap ReapConfig `yaml:"reap"`

	// Redis configuration (owner exit notifications and ownership snapshots)
	Redis RedisConfig `yaml:"redis"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Pools to create at startup
	Pools []PoolConfig `yaml:"pools"`

	// Interval at which the config file is re-read, 0 disables hot reload
	ReloadInterval time.Duration `yaml:"reload_interval"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Health check port
	HealthCheckPort int `yaml:"health_check_port"`

	// Metrics port
	MetricsPort int `yaml:"metrics_port"`
}

// ReapConfig controls the periodic cache reaper
type ReapConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Purge drains magazines completely instead of halving them
	Purge bool `yaml:"purge"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	// Enabled turns on the owner watcher and ownership snapshots
	Enabled bool `yaml:"enabled"`

	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys and channels
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// How often per-pool ownership snapshots are written
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// Jaeger collector endpoint, e.g. http://jaeger:14268/api/traces.
	// Empty disables tracing.
	JaegerEndpoint string `yaml:"jaeger_endpoint"`

	ServiceName string `yaml:"service_name"`

	// Fraction of traces sampled, 0 < ratio <= 1
	SampleRatio float64 `yaml:"sample_ratio"`
}

// PoolConfig describes one packet buffer pool
type PoolConfig struct {
	Name string `yaml:"name"`

	// Create flags: external, kernel_only, truncated_buf, on_demand_buf,
	// dynamic, raw_buflet
	Flags []string `yaml:"flags"`

	// Metadata type: packet (default) or quantum
	MetaType string `yaml:"meta_type"`

	Packets      uint32 `yaml:"packets"`
	MaxFrags     uint16 `yaml:"max_frags"`
	BufSize      uint32 `yaml:"buf_size"`
	LargeBufSize uint32 `yaml:"large_buf_size"`

	// Region config bits, e.g. md_magazine, buf_persistent, buf_monolithic
	Regions []string `yaml:"regions"`

	MetaIndexStart uint32 `yaml:"meta_index_start"`
	BufIndexStart  uint32 `yaml:"buf_index_start"`
}

// RegionConfig returns the parsed region config bits.
func (p *PoolConfig) RegionConfig() (skmem.RegionConfig, error) {
	return skmem.ParseRegionConfig(p.Regions)
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 1 and 65535")
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 1 and 65535")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel)
	}

	if cfg.Reap.Interval <= 0 {
		return fmt.Errorf("reap.interval must be greater than 0")
	}

	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
		if cfg.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be greater than 0")
		}
		if cfg.Redis.SnapshotInterval <= 0 {
			return fmt.Errorf("redis.snapshot_interval must be greater than 0")
		}
	}

	if cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in (0, 1]")
	}

	if len(cfg.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	seen := make(map[string]bool, len(cfg.Pools))
	for i := range cfg.Pools {
		p := &cfg.Pools[i]
		if p.Name == "" {
			return fmt.Errorf("pools[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pool %s is defined twice", p.Name)
		}
		seen[p.Name] = true
		if p.Packets == 0 {
			return fmt.Errorf("pool %s: packets must be greater than 0", p.Name)
		}
		if p.BufSize == 0 {
			return fmt.Errorf("pool %s: buf_size must be greater than 0", p.Name)
		}
		if p.LargeBufSize != 0 && p.LargeBufSize <= p.BufSize {
			return fmt.Errorf("pool %s: large_buf_size must exceed buf_size", p.Name)
		}
		switch p.MetaType {
		case "packet":
		case "quantum":
			if p.MaxFrags != 1 {
				return fmt.Errorf("pool %s: quantum pools take max_frags 1", p.Name)
			}
		default:
			return fmt.Errorf("pool %s: meta_type %q is not packet or quantum", p.Name, p.MetaType)
		}
		if _, err := p.RegionConfig(); err != nil {
			return fmt.Errorf("pool %s: %w", p.Name, err)
		}
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}

	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9091
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Reap.Interval == 0 {
		cfg.Reap.Interval = 10 * time.Second
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "pbufpool:"
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 2
	}

	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}

	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Redis.SnapshotInterval == 0 {
		cfg.Redis.SnapshotInterval = 15 * time.Second
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "pbufpoold"
	}

	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}

	for i := range cfg.Pools {
		p := &cfg.Pools[i]
		if p.MaxFrags == 0 {
			p.MaxFrags = 1
		}
		if p.MetaType == "" {
			p.MetaType = "packet"
		}
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
