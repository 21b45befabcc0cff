package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds the pipeline concurrency parameters
type Config struct {
	// PartitionWorkers bounds the partitions processed at the same time
	PartitionWorkers int

	// MergeWorkers bounds the concurrent merge tasks of the file assembler
	MergeWorkers int

	// BreakerThreshold is the consecutive remote failures that open the circuit
	BreakerThreshold int64

	// BreakerReset is how long the circuit stays open before probing again
	BreakerReset time.Duration

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()

	// respects cgroup limits once automaxprocs ran
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if workers := getEnvInt("DAEDALUS_PARTITION_WORKERS", 0); workers > 0 {
		config.PartitionWorkers = workers
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.PartitionWorkers = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.PartitionWorkers = getDefaultPartitionWorkers(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.PartitionWorkers < 1 {
		config.PartitionWorkers = 1
	}

	// one task per output kind: CSV, JSON, MARC
	config.MergeWorkers = getEnvInt("DAEDALUS_MERGE_WORKERS", 3)
	if config.MergeWorkers < 1 {
		config.MergeWorkers = 1
	}

	config.BreakerThreshold = int64(getEnvInt("DAEDALUS_BREAKER_THRESHOLD", 50))
	config.BreakerReset = getEnvDuration("DAEDALUS_BREAKER_RESET", 30*time.Second)

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultPartitionWorkers returns sensible defaults based on environment.
// Partition work is mostly waiting on remote calls, so it scales past the CPU count.
func getDefaultPartitionWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration from environment variable with default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{PartitionWorkers: %d, MergeWorkers: %d, BreakerThreshold: %d, BreakerReset: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.PartitionWorkers,
		c.MergeWorkers,
		c.BreakerThreshold,
		c.BreakerReset,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

// NewBreaker builds the remote circuit breaker from the config
func (c *Config) NewBreaker() *CircuitBreaker {
	return NewCircuitBreaker(c.BreakerThreshold, c.BreakerReset)
}
