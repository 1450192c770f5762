// Package config provides configuration structures for the load harness.
// The main Config struct ties together the service, load, sampler and log settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/example/loadharness/internal/logger"
	"gopkg.in/yaml.v3"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Key store types.
const (
	KeyStoreRandom    = "random"
	KeyStoreFileRead  = "file-read"
	KeyStoreFileWrite = "file-write"
	KeyStoreMemory    = "memory"
)

// Config is the root configuration structure for the load harness.
type Config struct {
	// Name is a descriptive name for this run.
	Name string `yaml:"name" json:"name"`

	// Description provides additional context about the run.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Service selects and configures the backend under load.
	Service ServiceConfig `yaml:"service" json:"service"`

	// Load configures the workers and the load strategy.
	Load LoadConfig `yaml:"load" json:"load"`

	// Sampler configures statistics collection.
	Sampler SamplerConfig `yaml:"sampler,omitempty" json:"sampler,omitempty"`

	// Log configures the harness logger.
	Log logger.Config `yaml:"log,omitempty" json:"log,omitempty"`
}

// ServiceConfig selects the backend service by name and carries the
// adapter-specific settings.
type ServiceConfig struct {
	// Name is the registered service name: "embedded", "redis", "jms".
	// Default: "embedded"
	Name string `yaml:"name" json:"name"`

	// Redis configures the redis cache adapter.
	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// JMS configures the messaging adapter.
	JMS JMSConfig `yaml:"jms,omitempty" json:"jms,omitempty"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Addr is host:port of the Redis server.
	// Default: "localhost:6379"
	Addr string `yaml:"addr" json:"addr"`

	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`

	// KeyPrefix is prepended to every key written by the harness.
	// Default: "loadharness:"
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`

	// DialTimeout bounds connection establishment.
	// Default: 5s
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
}

// JMSConfig holds messaging settings.
type JMSConfig struct {
	// Provider is the connection provider: "memory", "nats" or "kafka".
	// Default: "memory"
	Provider string `yaml:"provider" json:"provider"`

	// URL is the server URL list (nats) or broker address list (kafka),
	// comma-separated.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// EndpointPolicy is "new-session" or "reuse-session".
	// Default: "reuse-session"
	EndpointPolicy string `yaml:"endpointPolicy,omitempty" json:"endpointPolicy,omitempty"`

	// ConnectTimeout bounds connection establishment.
	// Default: 5s
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`

	// DefaultDestination is used by JMS strategies without their own destination.
	DefaultDestination string `yaml:"defaultDestination,omitempty" json:"defaultDestination,omitempty"`

	// DefaultDestinationType is "queue" or "topic".
	DefaultDestinationType string `yaml:"defaultDestinationType,omitempty" json:"defaultDestinationType,omitempty"`
}

// LoadConfig configures the workers and how long they run.
type LoadConfig struct {
	// Threads is the number of concurrent workers.
	// Default: 1
	Threads int `yaml:"threads" json:"threads"`

	// Duration is the wall-clock limit after which workers wind down.
	// Zero means no limit.
	Duration time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`

	// OperationCount is the total operation budget shared by all workers.
	// Zero means unlimited.
	OperationCount int64 `yaml:"operationCount,omitempty" json:"operationCount,omitempty"`

	// Delay is slept by a worker after each operation.
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`

	// Throughput caps operations per second across all workers. Zero disables it.
	Throughput float64 `yaml:"throughput,omitempty" json:"throughput,omitempty"`

	// Background returns from Run immediately and leaves the workers running.
	Background bool `yaml:"background,omitempty" json:"background,omitempty"`

	// Strategy selects and configures the load strategy.
	Strategy StrategyConfig `yaml:"strategy" json:"strategy"`

	// KeyStore configures where keys come from and where written keys go.
	KeyStore KeyStoreConfig `yaml:"keyStore,omitempty" json:"keyStore,omitempty"`
}

// StrategyConfig holds the options understood by the load strategies.
// Each strategy reads the fields it recognises and validates its mandatory ones.
type StrategyConfig struct {
	// Name is the registered strategy name.
	// Default: "write-read"
	Name string `yaml:"name" json:"name"`

	// KeySize is the length of generated keys.
	// Default: 8
	KeySize int `yaml:"keySize,omitempty" json:"keySize,omitempty"`

	// ValueSize is the length of generated values and message payloads.
	// Default: 64
	ValueSize int `yaml:"valueSize,omitempty" json:"valueSize,omitempty"`

	// ReuseValue generates one value and writes it for every key.
	ReuseValue bool `yaml:"reuseValue,omitempty" json:"reuseValue,omitempty"`

	// StoreValues records written values in the key store, not just keys.
	StoreValues bool `yaml:"storeValues,omitempty" json:"storeValues,omitempty"`

	// ReadToWriteRatio is the number of reads issued after each write.
	ReadToWriteRatio *int `yaml:"readToWriteRatio,omitempty" json:"readToWriteRatio,omitempty"`

	// WriteToReadRatio is the number of writes issued before each read.
	WriteToReadRatio *int `yaml:"writeToReadRatio,omitempty" json:"writeToReadRatio,omitempty"`

	// Destination is the JMS destination name.
	Destination string `yaml:"destination,omitempty" json:"destination,omitempty"`

	// DestinationType is "queue" or "topic".
	DestinationType string `yaml:"destinationType,omitempty" json:"destinationType,omitempty"`

	// ReceiveTimeout bounds each receive operation.
	// Default: 1s
	ReceiveTimeout time.Duration `yaml:"receiveTimeout,omitempty" json:"receiveTimeout,omitempty"`

	// SessionCount is the number of concurrently active HTTP sessions.
	// Zero selects one session per worker.
	SessionCount int `yaml:"sessionCount,omitempty" json:"sessionCount,omitempty"`

	// WritesPerSession is the number of attribute writes before invalidation.
	// Default: 10
	WritesPerSession int `yaml:"writesPerSession,omitempty" json:"writesPerSession,omitempty"`

	// InitialSessionSize is the size in bytes of the data stored on session creation.
	// Default: 1024
	InitialSessionSize int `yaml:"initialSessionSize,omitempty" json:"initialSessionSize,omitempty"`
}

// KeyStoreConfig configures the key provider/store.
type KeyStoreConfig struct {
	// Type is "random", "file-read", "file-write" or "memory".
	// Default: "random"
	Type string `yaml:"type" json:"type"`

	// Path is the key file for the file-backed types.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// SamplerConfig configures statistics collection.
type SamplerConfig struct {
	// Interval is the length of each sampling interval.
	// Default: 1s
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Prometheus configures the metrics endpoint.
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`

	// Statsd configures pushing outcomes to a StatsD daemon.
	Statsd StatsdConfig `yaml:"statsd,omitempty" json:"statsd,omitempty"`
}

// StatsdConfig configures the StatsD exporter.
type StatsdConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Addr is the UDP address of the StatsD daemon.
	// Default: "localhost:8125"
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`

	// Prefix is prepended to every metric name.
	// Default: "loadharness."
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// FlushInterval is how often buffered metrics are sent.
	// Default: 100ms
	FlushInterval time.Duration `yaml:"flushInterval,omitempty" json:"flushInterval,omitempty"`
}

// PrometheusConfig configures the Prometheus metrics endpoint.
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Addr is the listen address.
	// Default: ":9090"
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`

	// Path is the URL path.
	// Default: "/metrics"
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Name: "loadharness"}
	cfg.ApplyDefaults()
	return cfg
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML configuration, applies defaults and validates it.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %v", ErrInvalidConfig, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "loadharness"
	}

	if c.Service.Name == "" {
		c.Service.Name = "embedded"
	}
	if c.Service.Redis.Addr == "" {
		c.Service.Redis.Addr = "localhost:6379"
	}
	if c.Service.Redis.KeyPrefix == "" {
		c.Service.Redis.KeyPrefix = "loadharness:"
	}
	if c.Service.Redis.DialTimeout == 0 {
		c.Service.Redis.DialTimeout = 5 * time.Second
	}
	if c.Service.JMS.Provider == "" {
		c.Service.JMS.Provider = "memory"
	}
	if c.Service.JMS.EndpointPolicy == "" {
		c.Service.JMS.EndpointPolicy = "reuse-session"
	}
	if c.Service.JMS.ConnectTimeout == 0 {
		c.Service.JMS.ConnectTimeout = 5 * time.Second
	}

	if c.Load.Threads == 0 {
		c.Load.Threads = 1
	}
	s := &c.Load.Strategy
	if s.Name == "" {
		s.Name = "write-read"
	}
	if s.KeySize == 0 {
		s.KeySize = 8
	}
	if s.ValueSize == 0 {
		s.ValueSize = 64
	}
	if s.ReceiveTimeout == 0 {
		s.ReceiveTimeout = time.Second
	}
	if s.WritesPerSession == 0 {
		s.WritesPerSession = 10
	}
	if s.InitialSessionSize == 0 {
		s.InitialSessionSize = 1024
	}
	if c.Load.KeyStore.Type == "" {
		c.Load.KeyStore.Type = KeyStoreRandom
	}

	if c.Sampler.Interval == 0 {
		c.Sampler.Interval = time.Second
	}
	if c.Sampler.Prometheus.Addr == "" {
		c.Sampler.Prometheus.Addr = ":9090"
	}
	if c.Sampler.Prometheus.Path == "" {
		c.Sampler.Prometheus.Path = "/metrics"
	}
	if c.Sampler.Statsd.Addr == "" {
		c.Sampler.Statsd.Addr = "localhost:8125"
	}
	if c.Sampler.Statsd.Prefix == "" {
		c.Sampler.Statsd.Prefix = "loadharness."
	}
	if c.Sampler.Statsd.FlushInterval == 0 {
		c.Sampler.Statsd.FlushInterval = 100 * time.Millisecond
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
}

// Validate checks the settings that do not depend on the chosen strategy.
// Strategy-specific options are validated by the strategy itself.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("%w: service.name is required", ErrInvalidConfig)
	}
	if c.Load.Threads <= 0 {
		return fmt.Errorf("%w: load.threads must be positive, got %d", ErrInvalidConfig, c.Load.Threads)
	}
	if c.Load.Duration < 0 {
		return fmt.Errorf("%w: load.duration must be non-negative", ErrInvalidConfig)
	}
	if c.Load.OperationCount < 0 {
		return fmt.Errorf("%w: load.operationCount must be non-negative", ErrInvalidConfig)
	}
	if c.Load.Delay < 0 {
		return fmt.Errorf("%w: load.delay must be non-negative", ErrInvalidConfig)
	}
	if c.Load.Throughput < 0 {
		return fmt.Errorf("%w: load.throughput must be non-negative", ErrInvalidConfig)
	}
	if c.Load.Strategy.Name == "" {
		return fmt.Errorf("%w: load.strategy.name is required", ErrInvalidConfig)
	}

	switch c.Load.KeyStore.Type {
	case KeyStoreRandom, KeyStoreMemory:
	case KeyStoreFileRead, KeyStoreFileWrite:
		if c.Load.KeyStore.Path == "" {
			return fmt.Errorf("%w: load.keyStore.path is required for %s", ErrInvalidConfig, c.Load.KeyStore.Type)
		}
	default:
		return fmt.Errorf("%w: unknown load.keyStore.type %q", ErrInvalidConfig, c.Load.KeyStore.Type)
	}

	switch c.Service.JMS.Provider {
	case "memory", "nats", "kafka":
	default:
		return fmt.Errorf("%w: unknown service.jms.provider %q", ErrInvalidConfig, c.Service.JMS.Provider)
	}

	if c.Sampler.Interval <= 0 {
		return fmt.Errorf("%w: sampler.interval must be positive", ErrInvalidConfig)
	}
	return nil
}
