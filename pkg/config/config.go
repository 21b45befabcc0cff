// Package config loads the service configuration from DAEDALUS_* environment
// variables, optionally overlaid on a YAML file named by DAEDALUS_CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/repository"
)

// Storage backends
const (
	BackendAzure  = "azure"
	BackendMinio  = "minio"
	BackendMemory = "memory"
)

// EnvConfigFile names the optional YAML file
const EnvConfigFile = "DAEDALUS_CONFIG_FILE"

// StorageConfig selects and configures the object store
type StorageConfig struct {
	Backend          string `yaml:"backend"`
	Container        string `yaml:"container"`
	ConnectionString string `yaml:"connection_string"`
	Endpoint         string `yaml:"endpoint"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	Region           string `yaml:"region"`
	UseSSL           bool   `yaml:"use_ssl"`
}

// RemoteConfig configures the HTTP collaborators
type RemoteConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryMax      int           `yaml:"retry_max"`
	CentralTenant string        `yaml:"central_tenant"`
}

// PipelineConfig tunes the partitioned pipeline
type PipelineConfig struct {
	PartitionSize    int64         `yaml:"partition_size"`
	PartitionWorkers int           `yaml:"partition_workers"`
	MergeWorkers     int           `yaml:"merge_workers"`
	MergeTimeout     time.Duration `yaml:"merge_timeout"`
	// SkipLimit is the number of skips tolerated per phase; 0 or less means unlimited
	SkipLimit        int64         `yaml:"skip_limit"`
	UserRetries      uint          `yaml:"user_retries"`
	UserRetryBackoff time.Duration `yaml:"user_retry_backoff"`
	FlushThreshold   int           `yaml:"flush_threshold"`
}

// TracingConfig configures the OTLP exporter
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// SentryConfig configures error reporting; an empty DSN disables it
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Config is the complete service configuration
type Config struct {
	Storage  StorageConfig             `yaml:"storage"`
	Database repository.PostgresConfig `yaml:"database"`
	NATS     natsconn.ConnectionConfig `yaml:"nats"`
	Remote   RemoteConfig              `yaml:"remote"`
	Pipeline PipelineConfig            `yaml:"pipeline"`
	Tracing  TracingConfig             `yaml:"tracing"`
	Sentry   SentryConfig              `yaml:"sentry"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:   BackendMemory,
			Container: "bulk-edit",
		},
		Database: repository.PostgresConfig{
			PingTimeout:     5 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		NATS: *natsconn.DefaultConnectionConfig(""),
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			PartitionSize:    1000,
			MergeWorkers:     3,
			MergeTimeout:     10 * time.Minute,
			SkipLimit:        1_000_000,
			UserRetries:      3,
			UserRetryBackoff: 200 * time.Millisecond,
			FlushThreshold:   1 << 20,
		},
		Tracing: TracingConfig{
			ServiceName: "daedalus",
			Environment: "development",
			Endpoint:    "127.0.0.1:4318",
			SampleRatio: 1.0,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file, then environment variables
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Storage.Backend = getEnv("DAEDALUS_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Container = getEnv("DAEDALUS_STORAGE_CONTAINER", c.Storage.Container)
	c.Storage.ConnectionString = getEnv("DAEDALUS_STORAGE_CONNECTION_STRING", c.Storage.ConnectionString)
	c.Storage.Endpoint = getEnv("DAEDALUS_STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = getEnv("DAEDALUS_STORAGE_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("DAEDALUS_STORAGE_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Region = getEnv("DAEDALUS_STORAGE_REGION", c.Storage.Region)
	c.Storage.UseSSL = getEnvBool("DAEDALUS_STORAGE_USE_SSL", c.Storage.UseSSL)

	c.Database.URL = getEnv("DAEDALUS_DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvInt("DAEDALUS_DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("DAEDALUS_DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.NATS.URL = getEnv("DAEDALUS_NATS_URL", c.NATS.URL)
	c.NATS.Token = getEnv("DAEDALUS_NATS_TOKEN", c.NATS.Token)
	c.NATS.EventStream = getEnv("DAEDALUS_NATS_STREAM", c.NATS.EventStream)
	c.NATS.EventSubject = getEnv("DAEDALUS_NATS_SUBJECT", c.NATS.EventSubject)

	c.Remote.BaseURL = getEnv("DAEDALUS_REMOTE_URL", c.Remote.BaseURL)
	c.Remote.Token = getEnv("DAEDALUS_REMOTE_TOKEN", c.Remote.Token)
	c.Remote.Timeout = getEnvDuration("DAEDALUS_REMOTE_TIMEOUT", c.Remote.Timeout)
	c.Remote.RetryMax = getEnvInt("DAEDALUS_REMOTE_RETRY_MAX", c.Remote.RetryMax)
	c.Remote.CentralTenant = getEnv("DAEDALUS_CENTRAL_TENANT", c.Remote.CentralTenant)

	c.Pipeline.PartitionSize = int64(getEnvInt("DAEDALUS_PARTITION_SIZE", int(c.Pipeline.PartitionSize)))
	c.Pipeline.PartitionWorkers = getEnvInt("DAEDALUS_PARTITION_WORKERS", c.Pipeline.PartitionWorkers)
	c.Pipeline.MergeWorkers = getEnvInt("DAEDALUS_MERGE_WORKERS", c.Pipeline.MergeWorkers)
	c.Pipeline.MergeTimeout = getEnvDuration("DAEDALUS_MERGE_TIMEOUT", c.Pipeline.MergeTimeout)
	c.Pipeline.SkipLimit = int64(getEnvInt("DAEDALUS_SKIP_LIMIT", int(c.Pipeline.SkipLimit)))
	c.Pipeline.UserRetries = uint(getEnvInt("DAEDALUS_USER_RETRIES", int(c.Pipeline.UserRetries)))
	c.Pipeline.UserRetryBackoff = getEnvDuration("DAEDALUS_USER_RETRY_BACKOFF", c.Pipeline.UserRetryBackoff)

	c.Tracing.Enabled = getEnvBool("DAEDALUS_TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("DAEDALUS_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Environment = getEnv("DAEDALUS_ENVIRONMENT", c.Tracing.Environment)
	c.Tracing.SampleRatio = getEnvFloat("DAEDALUS_TRACE_SAMPLE_RATIO", c.Tracing.SampleRatio)

	c.Sentry.DSN = getEnv("DAEDALUS_SENTRY_DSN", c.Sentry.DSN)
	c.Sentry.Environment = getEnv("DAEDALUS_ENVIRONMENT", c.Sentry.Environment)
}

// Validate checks the settings that have no usable default
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendAzure:
		if c.Storage.ConnectionString == "" {
			return fmt.Errorf("storage: connection string is required for the azure backend")
		}
	case BackendMinio:
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage: endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if c.Pipeline.PartitionSize <= 0 {
		return fmt.Errorf("pipeline: partition size must be greater than 0")
	}
	if c.Pipeline.MergeTimeout <= 0 {
		return fmt.Errorf("pipeline: merge timeout must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample ratio must be between 0 and 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
