package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that opens the breaker
	DefaultFailureThreshold = 100
	// DefaultResetTimeout is how long the breaker stays open before probing again
	DefaultResetTimeout = 30 * time.Second
)

// Config holds concurrency configuration parameters
type Config struct {
	// MaxConcurrent bounds node executions in flight across the process
	MaxConcurrent int
	// RunnerWorkers is the number of goroutines draining the request stream
	RunnerWorkers int
	// LoopConcurrency is the default per-batch concurrency of parallel loops
	LoopConcurrency int

	FailureThreshold int64
	ResetTimeout     time.Duration

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()

	// respects cgroup limits once automaxprocs has run
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxConcurrent := getEnvInt("DAEDALUS_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = getDefaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if workers := getEnvInt("DAEDALUS_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = getDefaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	if loop := getEnvInt("DAEDALUS_LOOP_CONCURRENCY", 0); loop > 0 {
		config.LoopConcurrency = loop
	} else {
		config.LoopConcurrency = config.EffectiveCPUs
	}

	config.FailureThreshold = int64(getEnvInt("DAEDALUS_BREAKER_THRESHOLD", DefaultFailureThreshold))
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	config.ResetTimeout = DefaultResetTimeout
	if v := os.Getenv("DAEDALUS_BREAKER_RESET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.ResetTimeout = d
		}
	}

	return config
}

// NewLimiter creates a limiter sized and guarded according to the config.
func (c *Config) NewLimiter(logger *zap.Logger) *Limiter {
	return NewLimiterWithCircuitBreaker(c.MaxConcurrent, NewCircuitBreaker(c.FailureThreshold, c.ResetTimeout, WithBreakerLogger(logger)))
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func getDefaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func getDefaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, LoopConcurrency: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.LoopConcurrency,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
