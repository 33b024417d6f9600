package s3

import (
	"time"
)

// Config represents S3 backend configuration for one bucket
type Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CargoShip transporter settings, used for uploads
	UseTransporter     bool  `yaml:"use_transporter"`
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`
	Concurrency        int   `yaml:"concurrency"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		ForcePathStyle:     true,
		MaxRetries:         3,
		RequestTimeout:     30 * time.Second,
		UseTransporter:     true,
		MultipartThreshold: 64 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        4,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := NewDefaultConfig()
	if out.Region == "" {
		out.Region = def.Region
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.MultipartThreshold <= 0 {
		out.MultipartThreshold = def.MultipartThreshold
	}
	if out.MultipartChunkSize <= 0 {
		out.MultipartChunkSize = def.MultipartChunkSize
	}
	if out.Concurrency <= 0 {
		out.Concurrency = def.Concurrency
	}
	return &out
}
