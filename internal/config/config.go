package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/geds/pkg/utils"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GEDS_"

	// UnsetHostname is the hostname value meaning "not configured".
	UnsetHostname = "null"

	MetadataBackendRedis  = "redis"
	MetadataBackendMemory = "memory"
)

// Configuration represents the complete client configuration. It is
// immutable once the client has started.
type Configuration struct {
	MetadataServiceAddress string `yaml:"metadata_service_address"`
	MetadataBackend        string `yaml:"metadata_backend"`

	ListenAddress  string `yaml:"listen_address"`
	Hostname       string `yaml:"hostname"`
	Port           int    `yaml:"port"`
	PortHTTPServer int    `yaml:"port_http_server"`

	LocalStoragePath      string   `yaml:"local_storage_path"`
	CacheBlockSize        ByteSize `yaml:"cache_block_size"`
	CacheObjectsFromS3    bool     `yaml:"cache_objects_from_s3"`
	AvailableLocalStorage ByteSize `yaml:"available_local_storage"`
	AvailableLocalMemory  ByteSize `yaml:"available_local_memory"`

	ForceRelocationWhenStopping bool `yaml:"force_relocation_when_stopping"`
	PubSubEnabled               bool `yaml:"pub_sub_enabled"`

	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RelocationInterval time.Duration `yaml:"relocation_interval"`
	PrefixConcurrency  int           `yaml:"prefix_concurrency"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig represents settings shared by every object store backend
type StorageConfig struct {
	Region             string               `yaml:"region"`
	ForcePathStyle     bool                 `yaml:"force_path_style"`
	UseTransporter     bool                 `yaml:"use_transporter"`
	MultipartThreshold ByteSize             `yaml:"multipart_threshold"`
	MultipartChunkSize ByteSize             `yaml:"multipart_chunk_size"`
	UploadConcurrency  int                  `yaml:"upload_concurrency"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig represents per-bucket circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ByteSize is a byte count that accepts "32MiB"-style strings in YAML.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case int:
		*b = ByteSize(v)
	case int64:
		*b = ByteSize(v)
	case uint64:
		if v > math.MaxInt64 {
			return fmt.Errorf("byte size %d overflows int64", v)
		}
		*b = ByteSize(v)
	case float64:
		*b = ByteSize(v)
	case string:
		n, err := utils.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("invalid byte size %q: %w", v, err)
		}
		*b = ByteSize(n)
	default:
		return fmt.Errorf("invalid byte size %v", raw)
	}

	if *b < 0 {
		return fmt.Errorf("byte size cannot be negative")
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}

func (b ByteSize) String() string {
	return utils.FormatBytes(int64(b))
}

// NewDefault returns a configuration with the documented defaults
func NewDefault() *Configuration {
	return &Configuration{
		MetadataServiceAddress: "localhost:4381",
		MetadataBackend:        MetadataBackendRedis,

		ListenAddress:  "0.0.0.0",
		Hostname:       UnsetHostname,
		Port:           4382,
		PortHTTPServer: 4380,

		LocalStoragePath:      "/tmp/GEDS_XXXXXX",
		CacheBlockSize:        32 << 20,
		CacheObjectsFromS3:    false,
		AvailableLocalStorage: 100 << 30,
		AvailableLocalMemory:  16 << 30,

		ForceRelocationWhenStopping: false,
		PubSubEnabled:               false,

		RequestTimeout:     30 * time.Second,
		RelocationInterval: 10 * time.Second,
		PrefixConcurrency:  16,

		Storage: StorageConfig{
			Region:             "us-east-1",
			ForcePathStyle:     true,
			UseTransporter:     true,
			MultipartThreshold: 64 << 20,
			MultipartChunkSize: 16 << 20,
			UploadConcurrency:  4,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, then validates it.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from GEDS_* environment variables
func (c *Configuration) LoadFromEnv() error {
	strs := map[string]*string{
		"METADATA_SERVICE_ADDRESS": &c.MetadataServiceAddress,
		"METADATA_BACKEND":         &c.MetadataBackend,
		"LISTEN_ADDRESS":           &c.ListenAddress,
		"HOSTNAME":                 &c.Hostname,
		"LOCAL_STORAGE_PATH":       &c.LocalStoragePath,
		"STORAGE_REGION":           &c.Storage.Region,
		"LOG_LEVEL":                &c.Logging.Level,
		"LOG_FORMAT":               &c.Logging.Format,
		"LOG_FILE":                 &c.Logging.File,
	}
	for name, dst := range strs {
		if val, ok := lookupEnv(name); ok {
			*dst = val
		}
	}

	ints := map[string]*int{
		"PORT":               &c.Port,
		"PORT_HTTP_SERVER":   &c.PortHTTPServer,
		"PREFIX_CONCURRENCY": &c.PrefixConcurrency,
	}
	for name, dst := range ints {
		if val, ok := lookupEnv(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	sizes := map[string]*ByteSize{
		"CACHE_BLOCK_SIZE":        &c.CacheBlockSize,
		"AVAILABLE_LOCAL_STORAGE": &c.AvailableLocalStorage,
		"AVAILABLE_LOCAL_MEMORY":  &c.AvailableLocalMemory,
	}
	for name, dst := range sizes {
		if val, ok := lookupEnv(name); ok {
			n, err := utils.ParseBytes(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = ByteSize(n)
		}
	}

	bools := map[string]*bool{
		"CACHE_OBJECTS_FROM_S3":          &c.CacheObjectsFromS3,
		"FORCE_RELOCATION_WHEN_STOPPING": &c.ForceRelocationWhenStopping,
		"PUB_SUB_ENABLED":                &c.PubSubEnabled,
	}
	for name, dst := range bools {
		if val, ok := lookupEnv(name); ok {
			*dst = strings.ToLower(val) == "true"
		}
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT":     &c.RequestTimeout,
		"RELOCATION_INTERVAL": &c.RelocationInterval,
	}
	for name, dst := range durations {
		if val, ok := lookupEnv(name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	return nil
}

func lookupEnv(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// HasHostname reports whether a hostname other than the "null" placeholder
// was configured.
func (c *Configuration) HasHostname() bool {
	return c.Hostname != "" && c.Hostname != UnsetHostname
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	switch c.MetadataBackend {
	case MetadataBackendRedis:
		if c.MetadataServiceAddress == "" {
			return fmt.Errorf("metadata_service_address is required for the redis backend")
		}
	case MetadataBackendMemory:
	default:
		return fmt.Errorf("invalid metadata_backend: %s (must be one of: %s, %s)",
			c.MetadataBackend, MetadataBackendRedis, MetadataBackendMemory)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.PortHTTPServer < 0 || c.PortHTTPServer > 65535 {
		return fmt.Errorf("port_http_server must be between 0 and 65535")
	}
	if c.PortHTTPServer == c.Port {
		return fmt.Errorf("port and port_http_server cannot be the same")
	}

	if c.LocalStoragePath == "" {
		return fmt.Errorf("local_storage_path is required")
	}
	if c.CacheBlockSize <= 0 {
		return fmt.Errorf("cache_block_size must be greater than 0")
	}
	if c.AvailableLocalMemory < c.CacheBlockSize {
		return fmt.Errorf("available_local_memory must hold at least one cache block")
	}
	if c.AvailableLocalStorage < 0 {
		return fmt.Errorf("available_local_storage cannot be negative")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be greater than 0")
	}
	if c.RelocationInterval <= 0 {
		return fmt.Errorf("relocation_interval must be greater than 0")
	}
	if c.PrefixConcurrency <= 0 {
		return fmt.Errorf("prefix_concurrency must be greater than 0")
	}

	if c.Storage.UploadConcurrency <= 0 {
		return fmt.Errorf("storage.upload_concurrency must be greater than 0")
	}
	if c.Storage.CircuitBreaker.Enabled && c.Storage.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("storage.circuit_breaker.failure_threshold must be greater than 0")
	}

	if _, err := utils.ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	switch utils.LogFormat(c.Logging.Format) {
	case utils.FormatText, utils.FormatJSON:
	default:
		return fmt.Errorf("invalid logging.format: %s (must be one of: text, json)", c.Logging.Format)
	}

	return nil
}
