package dispatcher

import (
	"time"

	"pushfanout/internal/config"
	"pushfanout/pkg/backoff"
)

// Retry defaults for jobs whose fan-out could not start.
const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize int           // pending jobs buffer (default: 1000)
	Workers    int           // concurrent fan-outs (default: 4)
	JobTimeout time.Duration // bound on fetch and gate reservation per attempt (default: 30s)
	MaxRetries int           // retries when a fan-out fails before sending (default: 3)
	Backoff    backoff.Config
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize: config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:    config.GetIntEnv("DISPATCHER_WORKERS", 4),
		JobTimeout: config.GetDurationEnv("DISPATCHER_JOB_TIMEOUT", 30*time.Second),
		MaxRetries: config.GetIntEnv("DISPATCHER_MAX_RETRIES", defaultMaxRetries),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = defaultInitialBackoff
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = defaultMaxBackoff
	}
	return c
}
