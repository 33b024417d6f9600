package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.MetadataServiceAddress != "localhost:4381" {
		t.Errorf("Expected metadata address localhost:4381, got %s", cfg.MetadataServiceAddress)
	}
	if cfg.ListenAddress != "0.0.0.0" {
		t.Errorf("Expected listen address 0.0.0.0, got %s", cfg.ListenAddress)
	}
	if cfg.Port != 4382 || cfg.PortHTTPServer != 4380 {
		t.Errorf("Expected ports 4382/4380, got %d/%d", cfg.Port, cfg.PortHTTPServer)
	}
	if cfg.LocalStoragePath != "/tmp/GEDS_XXXXXX" {
		t.Errorf("Expected storage path /tmp/GEDS_XXXXXX, got %s", cfg.LocalStoragePath)
	}
	if cfg.CacheBlockSize != 32*1024*1024 {
		t.Errorf("Expected block size 32MiB, got %d", cfg.CacheBlockSize)
	}
	if cfg.AvailableLocalStorage != 100*1024*1024*1024 {
		t.Errorf("Expected storage budget 100GiB, got %d", cfg.AvailableLocalStorage)
	}
	if cfg.AvailableLocalMemory != 16*1024*1024*1024 {
		t.Errorf("Expected memory budget 16GiB, got %d", cfg.AvailableLocalMemory)
	}
	if cfg.CacheObjectsFromS3 || cfg.ForceRelocationWhenStopping || cfg.PubSubEnabled {
		t.Error("Expected caching from store, forced relocation and pub/sub to be off")
	}
	if cfg.HasHostname() {
		t.Error("Expected the default hostname to be unset")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(*Configuration) {},
		},
		{
			name:   "memory backend needs no address",
			mutate: func(c *Configuration) { c.MetadataBackend = MetadataBackendMemory; c.MetadataServiceAddress = "" },
		},
		{
			name:    "unknown metadata backend",
			mutate:  func(c *Configuration) { c.MetadataBackend = "etcd" },
			wantErr: true,
			errMsg:  "invalid metadata_backend",
		},
		{
			name:    "redis without address",
			mutate:  func(c *Configuration) { c.MetadataServiceAddress = "" },
			wantErr: true,
			errMsg:  "metadata_service_address is required",
		},
		{
			name:    "same ports",
			mutate:  func(c *Configuration) { c.PortHTTPServer = c.Port },
			wantErr: true,
			errMsg:  "cannot be the same",
		},
		{
			name:   "metrics endpoint disabled",
			mutate: func(c *Configuration) { c.PortHTTPServer = 0 },
		},
		{
			name:    "zero block size",
			mutate:  func(c *Configuration) { c.CacheBlockSize = 0 },
			wantErr: true,
			errMsg:  "cache_block_size must be greater than 0",
		},
		{
			name:    "memory smaller than a block",
			mutate:  func(c *Configuration) { c.AvailableLocalMemory = c.CacheBlockSize - 1 },
			wantErr: true,
			errMsg:  "at least one cache block",
		},
		{
			name:    "zero prefix concurrency",
			mutate:  func(c *Configuration) { c.PrefixConcurrency = 0 },
			wantErr: true,
			errMsg:  "prefix_concurrency",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Logging.Level = "LOUD" },
			wantErr: true,
			errMsg:  "invalid logging.level",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Configuration) { c.Logging.Format = "xml" },
			wantErr: true,
			errMsg:  "invalid logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "geds.yaml")

	configContent := `
metadata_service_address: meta.local:6379
hostname: node-1
cache_block_size: 8MiB
available_local_memory: 1GB
available_local_storage: 1073741824
cache_objects_from_s3: true
pub_sub_enabled: true
relocation_interval: 2s
storage:
  region: eu-west-1
  use_transporter: false
logging:
  level: DEBUG
  format: json
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.MetadataServiceAddress != "meta.local:6379" {
		t.Errorf("Expected metadata address meta.local:6379, got %s", cfg.MetadataServiceAddress)
	}
	if !cfg.HasHostname() || cfg.Hostname != "node-1" {
		t.Errorf("Expected hostname node-1, got %s", cfg.Hostname)
	}
	if cfg.CacheBlockSize != 8<<20 {
		t.Errorf("Expected block size 8MiB, got %d", cfg.CacheBlockSize)
	}
	if cfg.AvailableLocalMemory != 1<<30 || cfg.AvailableLocalStorage != 1<<30 {
		t.Errorf("Expected 1GiB budgets, got %d/%d", cfg.AvailableLocalMemory, cfg.AvailableLocalStorage)
	}
	if !cfg.CacheObjectsFromS3 || !cfg.PubSubEnabled {
		t.Error("Expected boolean flags to be loaded")
	}
	if cfg.RelocationInterval != 2*time.Second {
		t.Errorf("Expected relocation interval 2s, got %v", cfg.RelocationInterval)
	}
	if cfg.Storage.Region != "eu-west-1" || cfg.Storage.UseTransporter {
		t.Errorf("Expected storage section to be loaded, got %+v", cfg.Storage)
	}
	if !cfg.Storage.ForcePathStyle {
		t.Error("Expected unspecified storage fields to keep their defaults")
	}
	if cfg.Logging.Level != "DEBUG" || cfg.Logging.Format != "json" {
		t.Errorf("Expected logging section to be loaded, got %+v", cfg.Logging)
	}
}

func TestLoadFromFileInvalidSize(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "geds.yaml")
	if err := os.WriteFile(configFile, []byte("cache_block_size: lots\n"), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	if err := NewDefault().LoadFromFile(configFile); err == nil {
		t.Error("Expected error for an unparsable byte size")
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/geds.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"GEDS_METADATA_SERVICE_ADDRESS": "redis:6379",
		"GEDS_PORT":                     "5000",
		"GEDS_CACHE_BLOCK_SIZE":         "1MiB",
		"GEDS_PUB_SUB_ENABLED":          "true",
		"GEDS_REQUEST_TIMEOUT":          "5s",
		"GEDS_LOG_LEVEL":                "ERROR",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.MetadataServiceAddress != "redis:6379" {
		t.Errorf("Expected metadata address redis:6379, got %s", cfg.MetadataServiceAddress)
	}
	if cfg.Port != 5000 {
		t.Errorf("Expected port 5000, got %d", cfg.Port)
	}
	if cfg.CacheBlockSize != 1<<20 {
		t.Errorf("Expected block size 1MiB, got %d", cfg.CacheBlockSize)
	}
	if !cfg.PubSubEnabled {
		t.Error("Expected pub/sub to be enabled")
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("Expected request timeout 5s, got %v", cfg.RequestTimeout)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected log level ERROR, got %s", cfg.Logging.Level)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("GEDS_PORT", "not-a-port")

	if err := NewDefault().LoadFromEnv(); err == nil {
		t.Error("Expected error for a non-numeric port")
	}
}

func TestLoad(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "geds.yaml")
	if err := os.WriteFile(configFile, []byte("metadata_backend: memory\nport: 6000\n"), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	t.Setenv("GEDS_PORT", "6001")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MetadataBackend != MetadataBackendMemory {
		t.Errorf("Expected memory backend, got %s", cfg.MetadataBackend)
	}
	if cfg.Port != 6001 {
		t.Errorf("Expected the environment to override the file, got port %d", cfg.Port)
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "nested", "geds.yaml")

	original := NewDefault()
	original.CacheBlockSize = 4 << 20
	original.PubSubEnabled = true
	if err := original.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.CacheBlockSize != original.CacheBlockSize || !loaded.PubSubEnabled {
		t.Errorf("Saved configuration did not load back: %+v", loaded)
	}
}
