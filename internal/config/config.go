package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the persistence layer configuration
type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Cache        CacheConfig        `mapstructure:"cache"`
	State        StateConfig        `mapstructure:"state"`
	Tenant       TenantConfig       `mapstructure:"tenant"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// NodeConfig identifies this process in the cluster
type NodeConfig struct {
	NodeID          string            `mapstructure:"node_id"`
	Metadata        map[string]string `mapstructure:"metadata"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout"`
	// OperationTimeout bounds every backing store and filesystem operation
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// RedisConfig represents the backing store connection pool
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CacheConfig controls the artifact cache
type CacheConfig struct {
	DefaultTTL           time.Duration `mapstructure:"default_ttl"`
	KeyPrefix            string        `mapstructure:"key_prefix"`
	Version              string        `mapstructure:"version"`
	CompressionAlgorithm string        `mapstructure:"compression_algorithm"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	CompressionMinGain   float64       `mapstructure:"compression_min_gain"`
	SlowOpThreshold      time.Duration `mapstructure:"slow_op_threshold"`
	LocalMaxBytes        int64         `mapstructure:"local_max_bytes"`
	MaxEntryBytes        int64         `mapstructure:"max_entry_bytes"`
	WarmingWorkers       int           `mapstructure:"warming_workers"`
}

// StateConfig controls sessions, checkpoints and spillover
type StateConfig struct {
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	SessionIdleTimeout   time.Duration `mapstructure:"session_idle_timeout"`
	SessionRetention     time.Duration `mapstructure:"session_retention"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	CheckpointDir        string        `mapstructure:"checkpoint_dir"`
	CheckpointIndexPath  string        `mapstructure:"checkpoint_index_path"`
	CheckpointInterval   time.Duration `mapstructure:"checkpoint_interval"`
	CheckpointMaxAge     time.Duration `mapstructure:"checkpoint_max_age"`
	CheckpointMaxCount   int           `mapstructure:"checkpoint_max_count"`
	CheckpointOnShutdown bool          `mapstructure:"checkpoint_on_shutdown"`
	SpilloverDir         string        `mapstructure:"spillover_dir"`
	MaxMemoryBytes       int64         `mapstructure:"max_memory_bytes"`
	SpilloverThreshold   float64       `mapstructure:"spillover_threshold"`
	DiskRejectPercent    float64       `mapstructure:"disk_reject_percent"`
}

// TenantConfig holds default quotas and isolation settings
type TenantConfig struct {
	DefaultQuotas    map[string]int64 `mapstructure:"default_quotas"`
	MaxConcurrentOps int              `mapstructure:"max_concurrent_ops"`
	BillingPeriod    time.Duration    `mapstructure:"billing_period"`
	PolicyFile       string           `mapstructure:"policy_file"`
	StoreBackend     string           `mapstructure:"store_backend"`
}

// DatabaseConfig represents the PostgreSQL tenant and outbox store
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ConnString builds a libpq-style connection string
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// CoordinationConfig controls cluster membership and leadership leases
type CoordinationConfig struct {
	ChannelPrefix     string        `mapstructure:"channel_prefix"`
	NodeTTL           time.Duration `mapstructure:"node_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LeaderTTL         time.Duration `mapstructure:"leader_ttl"`
	Gossip            GossipConfig  `mapstructure:"gossip"`
}

// GossipConfig holds memberlist configuration
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// OutboxConfig controls the domain event outbox
type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Table        string        `mapstructure:"table"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	MinBackoff   time.Duration `mapstructure:"min_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// MetricsConfig represents the status server configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig toggles OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return errors.New("node.node_id is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return errors.New("redis.port must be between 1 and 65535")
	}
	if c.Redis.PoolSize <= 0 {
		return errors.New("redis.pool_size must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return errors.New("cache.default_ttl must be positive")
	}
	if c.Cache.KeyPrefix == "" {
		return errors.New("cache.key_prefix is required")
	}
	switch c.Cache.CompressionAlgorithm {
	case "none", "fast", "high-ratio":
	default:
		return errors.New("cache.compression_algorithm must be one of: none, fast, high-ratio")
	}
	if c.Cache.CompressionThreshold < 0 {
		return errors.New("cache.compression_threshold must not be negative")
	}
	if c.Cache.CompressionMinGain < 0 || c.Cache.CompressionMinGain >= 1 {
		return errors.New("cache.compression_min_gain must be in [0, 1)")
	}
	if c.State.SessionTTL <= 0 {
		return errors.New("state.session_ttl must be positive")
	}
	if c.State.CheckpointDir == "" {
		return errors.New("state.checkpoint_dir is required")
	}
	if c.State.SpilloverDir == "" {
		return errors.New("state.spillover_dir is required")
	}
	if c.State.CheckpointMaxCount < 1 {
		return errors.New("state.checkpoint_max_count must be at least 1")
	}
	if c.State.MaxMemoryBytes <= 0 {
		return errors.New("state.max_memory_bytes must be positive")
	}
	if c.State.SpilloverThreshold <= 0 || c.State.SpilloverThreshold > 1 {
		return errors.New("state.spillover_threshold must be in (0, 1]")
	}
	if c.Tenant.MaxConcurrentOps < 1 {
		return errors.New("tenant.max_concurrent_ops must be at least 1")
	}
	for resource, limit := range c.Tenant.DefaultQuotas {
		if limit < 0 {
			return fmt.Errorf("tenant.default_quotas.%s must not be negative", resource)
		}
	}
	switch c.Tenant.StoreBackend {
	case "memory", "postgres":
	default:
		return errors.New("tenant.store_backend must be one of: memory, postgres")
	}
	if c.Coordination.ChannelPrefix == "" {
		return errors.New("coordination.channel_prefix is required")
	}
	if c.Coordination.HeartbeatInterval >= c.Coordination.NodeTTL {
		return errors.New("coordination.heartbeat_interval must be shorter than coordination.node_ttl")
	}
	if c.Coordination.LeaderTTL <= 0 {
		return errors.New("coordination.leader_ttl must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			NodeID:           "riptide-node-1",
			Metadata:         map[string]string{},
			ShutdownTimeout:  30 * time.Second,
			OperationTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL:           24 * time.Hour,
			KeyPrefix:            "riptide",
			Version:              "v1",
			CompressionAlgorithm: "fast",
			CompressionThreshold: 1024,
			CompressionMinGain:   0.1,
			SlowOpThreshold:      5 * time.Millisecond,
			LocalMaxBytes:        64 * 1024 * 1024,
			MaxEntryBytes:        20 * 1024 * 1024,
			WarmingWorkers:       8,
		},
		State: StateConfig{
			SessionTTL:           30 * time.Minute,
			SessionIdleTimeout:   30 * time.Minute,
			SessionRetention:     24 * time.Hour,
			SweepInterval:        time.Minute,
			CheckpointDir:        "./data/checkpoints",
			CheckpointInterval:   5 * time.Minute,
			CheckpointMaxAge:     24 * time.Hour,
			CheckpointMaxCount:   10,
			CheckpointOnShutdown: true,
			SpilloverDir:         "./data/spillover",
			MaxMemoryBytes:       100 * 1024 * 1024,
			SpilloverThreshold:   0.8,
			DiskRejectPercent:    95,
		},
		Tenant: TenantConfig{
			DefaultQuotas: map[string]int64{
				"cache_bytes":         100 * 1024 * 1024,
				"sessions":            1000,
				"requests_per_minute": 6000,
			},
			MaxConcurrentOps: 16,
			BillingPeriod:    30 * 24 * time.Hour,
			StoreBackend:     "memory",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "riptide",
			User:            "riptide",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Coordination: CoordinationConfig{
			ChannelPrefix:     "riptide",
			NodeTTL:           30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			LeaderTTL:         15 * time.Second,
			Gossip: GossipConfig{
				BindPort:       7946,
				GossipInterval: 200 * time.Millisecond,
				ProbeTimeout:   500 * time.Millisecond,
				ProbeInterval:  time.Second,
			},
		},
		Outbox: OutboxConfig{
			Table:        "event_outbox",
			PollInterval: 5 * time.Second,
			BatchSize:    100,
			MaxRetries:   5,
			MinBackoff:   time.Second,
			MaxBackoff:   5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "riptide-persistence",
		},
	}
}
