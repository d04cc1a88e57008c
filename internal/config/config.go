// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ServiceConfig holds configuration for the fan-out service.
type ServiceConfig struct {
	Port              string        `env:"PORT"                envDefault:"8080"`
	MetricsPort       string        `env:"METRICS_PORT"        envDefault:"9090"`
	APIKeyFile        string        `env:"API_KEY_FILE"`
	ShutdownDrainWait time.Duration `env:"SHUTDOWN_DRAIN_WAIT" envDefault:"5s"` // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string        `env:"LOG_LEVEL"           envDefault:"info"`

	StoreDriver   string `env:"STORE_DRIVER"   envDefault:"postgres"` // postgres | sqlite
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH"    envDefault:"data/pushfanout.db"`
	AutoMigrate   bool   `env:"STORE_AUTO_MIGRATE" envDefault:"true"`
	StoreMaxConns int32  `env:"STORE_MAX_CONNS" envDefault:"10"`

	IntakeRedisAddr      string `env:"INTAKE_REDIS_ADDR"` // empty disables stream intake
	IntakeStream         string `env:"INTAKE_STREAM"        envDefault:"push:fanout"`
	IntakeGroup          string `env:"INTAKE_GROUP"         envDefault:"pushfanout"`
	IntakeConsumer       string `env:"INTAKE_CONSUMER"      envDefault:"pushfanout-1"`
	IntakeSigningKeyFile string `env:"INTAKE_SIGNING_KEY_FILE"`

	// Resolved from the *_FILE paths above.
	APIKey           string `env:"-"`
	IntakeSigningKey string `env:"-"`
}

// LoadServiceConfig loads service configuration from environment variables.
// A .env file in the working directory is applied first when present.
func LoadServiceConfig() (*ServiceConfig, error) {
	_ = godotenv.Load()

	cfg := &ServiceConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse service config: %w", err)
	}

	cfg.APIKey = GetSecretFile(cfg.APIKeyFile)
	cfg.IntakeSigningKey = GetSecretFile(cfg.IntakeSigningKeyFile)
	return cfg, nil
}
