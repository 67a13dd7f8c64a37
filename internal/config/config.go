package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/devrev/samoa/internal/model"
)

// maxRegionSize bounds a single ring layer
const maxRegionSize = 64 << 20

// EnvPrefix prefixes environment overrides, e.g. SAMOA_SERVER_PORT
const EnvPrefix = "SAMOA"

// EnvKeyReplacer maps config keys to environment variable names
var EnvKeyReplacer = strings.NewReplacer(".", "_")

// NewViper returns a viper instance reading SAMOA_* environment variables
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(EnvKeyReplacer)
	v.AutomaticEnv()
	return v
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`
	Port            int           `yaml:"port"`
	ListenBacklog   int           `yaml:"listen_backlog"`
	MaxConnections  int           `yaml:"max_connections"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LayerConfig is the geometry of one ring layer of a new partition
type LayerConfig struct {
	StorageSize uint64 `yaml:"storage_size"`
	IndexSize   uint32 `yaml:"index_size"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DBURI           string        `yaml:"db_uri"`
	PartitionPath   string        `yaml:"partition_path"`
	DigestDirectory string        `yaml:"digest_directory"`
	DigestSize      int           `yaml:"digest_size"`
	DefaultLayers   []LayerConfig `yaml:"default_layers"`
}

// ClusterConfig holds peer discovery and cluster state configuration
type ClusterConfig struct {
	Seeds             []string      `yaml:"seeds"`
	PeerPollInterval  time.Duration `yaml:"peer_poll_interval"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	JitterBound       time.Duration `yaml:"jitter_bound"`
	DroppedRetention  time.Duration `yaml:"dropped_retention"`
	// DefaultReplicationFactor and DefaultConsistencyHorizon apply to
	// CREATE_TABLE requests that leave them unset
	DefaultReplicationFactor  uint32 `yaml:"default_replication_factor"`
	DefaultConsistencyHorizon uint32 `yaml:"default_consistency_horizon"`
}

// GossipConfig holds memberlist configuration
type GossipConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BindAddr     string        `yaml:"bind_addr"`
	BindPort     int           `yaml:"bind_port"`
	Join         []string      `yaml:"join"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// ReplicationConfig holds peer request configuration
type ReplicationConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Workers        int           `yaml:"workers"`
	CompactionRate float64       `yaml:"compaction_rate"`
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Interval        time.Duration `yaml:"interval"`
	HighWaterMark   float64       `yaml:"high_water_mark"`
	GossipThreshold uint64        `yaml:"gossip_threshold"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	Port           int  `yaml:"port"`
	GRPCHealthPort int  `yaml:"grpc_health_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a server
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Replication ReplicationConfig `yaml:"replication"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file. A missing file yields the
// defaults.
func LoadConfig(filePath string) (*Config, error) {
	return Load(filePath, nil)
}

// Load reads filePath, overlays every key v has set and validates the
// result. v may be nil.
func Load(filePath string, v *viper.Viper) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if v != nil {
		overlay(&cfg, v)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overlay copies flag and environment values bound in v over the file
func overlay(cfg *Config, v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	setString("server.hostname", &cfg.Server.Hostname)
	setInt("server.port", &cfg.Server.Port)
	setInt("server.listen_backlog", &cfg.Server.ListenBacklog)
	setInt("server.max_connections", &cfg.Server.MaxConnections)
	setDuration("server.request_timeout", &cfg.Server.RequestTimeout)

	setString("storage.db_uri", &cfg.Storage.DBURI)
	setString("storage.partition_path", &cfg.Storage.PartitionPath)
	setString("storage.digest_directory", &cfg.Storage.DigestDirectory)
	setInt("storage.digest_size", &cfg.Storage.DigestSize)

	if v.IsSet("cluster.seeds") {
		if seeds := v.GetStringSlice("cluster.seeds"); len(seeds) > 0 {
			cfg.Cluster.Seeds = seeds
		}
	}
	setDuration("cluster.peer_poll_interval", &cfg.Cluster.PeerPollInterval)
	setDuration("cluster.dropped_retention", &cfg.Cluster.DroppedRetention)

	if v.IsSet("gossip.enabled") {
		cfg.Gossip.Enabled = v.GetBool("gossip.enabled")
	}
	setInt("gossip.bind_port", &cfg.Gossip.BindPort)

	setDuration("replication.timeout", &cfg.Replication.Timeout)
	setInt("replication.workers", &cfg.Replication.Workers)

	setDuration("compaction.interval", &cfg.Compaction.Interval)

	if v.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	}
	setInt("metrics.port", &cfg.Metrics.Port)

	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Hostname == "" {
		cfg.Server.Hostname = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ListenBacklog == 0 {
		cfg.Server.ListenBacklog = 128
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DBURI == "" {
		cfg.Storage.DBURI = "./samoa-state"
	}
	if len(cfg.Storage.DefaultLayers) == 0 {
		cfg.Storage.DefaultLayers = []LayerConfig{
			{StorageSize: 1 << 24, IndexSize: 1 << 14},
			{StorageSize: 1 << 26, IndexSize: 1 << 16},
		}
	}

	if cfg.Cluster.PeerPollInterval == 0 {
		cfg.Cluster.PeerPollInterval = 5 * time.Minute
	}
	if cfg.Cluster.DiscoveryInterval == 0 {
		cfg.Cluster.DiscoveryInterval = 30 * time.Second
	}
	if cfg.Cluster.DroppedRetention == 0 {
		cfg.Cluster.DroppedRetention = 24 * time.Hour
	}
	if cfg.Cluster.DefaultReplicationFactor == 0 {
		cfg.Cluster.DefaultReplicationFactor = 3
	}
	if cfg.Cluster.DefaultConsistencyHorizon == 0 {
		cfg.Cluster.DefaultConsistencyHorizon = 600
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.PingInterval == 0 {
		cfg.Gossip.PingInterval = time.Second
	}

	if cfg.Replication.Timeout == 0 {
		cfg.Replication.Timeout = 10 * time.Second
	}
	if cfg.Replication.DialTimeout == 0 {
		cfg.Replication.DialTimeout = 5 * time.Second
	}
	if cfg.Replication.Workers == 0 {
		cfg.Replication.Workers = 4
	}

	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = 10 * time.Second
	}
	if cfg.Compaction.HighWaterMark == 0 {
		cfg.Compaction.HighWaterMark = 0.8
	}
	if cfg.Compaction.GossipThreshold == 0 {
		cfg.Compaction.GossipThreshold = 1024
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
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
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.ListenBacklog < 1 {
		return fmt.Errorf("server.listen_backlog must be positive")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	for i, layer := range c.Storage.DefaultLayers {
		if layer.StorageSize == 0 || layer.IndexSize == 0 {
			return fmt.Errorf("storage.default_layers[%d] needs storage_size and index_size", i)
		}
		if layer.StorageSize > maxRegionSize {
			return fmt.Errorf("storage.default_layers[%d].storage_size exceeds %d bytes", i, maxRegionSize)
		}
	}
	if c.Storage.DigestSize < 0 {
		return fmt.Errorf("storage.digest_size must not be negative")
	}
	if c.Compaction.HighWaterMark <= 0 || c.Compaction.HighWaterMark > 1 {
		return fmt.Errorf("compaction.high_water_mark must be in (0, 1]")
	}
	if c.Replication.CompactionRate < 0 {
		return fmt.Errorf("replication.compaction_rate must not be negative")
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// Layers converts the default layer geometry into ring layer descriptions
func (c *Config) Layers() []model.RingLayer {
	out := make([]model.RingLayer, len(c.Storage.DefaultLayers))
	for i, layer := range c.Storage.DefaultLayers {
		out[i] = model.RingLayer{StorageSize: layer.StorageSize, IndexSize: layer.IndexSize}
	}
	return out
}

// Address returns the host:port the server listens on
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Hostname, c.Server.Port)
}
