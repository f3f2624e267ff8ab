package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/glizzus/soundwire/internal/schedule"
)

// ServiceConfig holds the process-level settings of the voice daemon.
type ServiceConfig struct {
	Name        string     `env:"SERVICE_NAME, default=soundwire"`
	LogLevel    slog.Level `env:"LOG_LEVEL, default=info"`
	MetricsAddr string     `env:"METRICS_ADDR, default=:9464"`

	// NonceRetireCron controls how often keys idle for NonceRetention are
	// marked exhausted in the nonce ledger.
	NonceRetireCron string        `env:"NONCE_RETIRE_CRON, default=0 * * * *"`
	NonceRetention  time.Duration `env:"NONCE_RETENTION, default=720h"`
}

func NewServiceConfigFromEnv() (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if err := schedule.ValidateCron(cfg.NonceRetireCron); err != nil {
		return nil, err
	}
	return &cfg, nil
}
