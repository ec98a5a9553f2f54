// Package config содержит логику чтения конфигурации сервиса парковки.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса парковки.
// Все значения фиксируются на старте процесса и не меняются в рантайме.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	NotifierAddress string `env:"NOTIFIER_ADDRESS"`

	TotalSpots         int           `env:"TOTAL_SPOTS" envDefault:"10"`
	PoolSize           int           `env:"POOL_SIZE" envDefault:"5"`
	PoolAcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"5s"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	GracePeriod   time.Duration `env:"GRACE_PERIOD" envDefault:"15m"`

	ReserveThreshold  float64       `env:"RESERVE_THRESHOLD" envDefault:"0.4"`
	MinAdvance        time.Duration `env:"MIN_ADVANCE" envDefault:"24h"`
	MaxAdvance        time.Duration `env:"MAX_ADVANCE" envDefault:"168h"`
	DefaultDuration   time.Duration `env:"DEFAULT_DURATION" envDefault:"4h"`
	MinExtensionHours int           `env:"MIN_EXTENSION_HOURS" envDefault:"1"`
	MaxExtensionHours int           `env:"MAX_EXTENSION_HOURS" envDefault:"4"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifierAddress := cfg.NotifierAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (empty runs the in-memory store)")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "notification gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifierAddress != "" {
		cfg.NotifierAddress = envNotifierAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TotalSpots <= 0 {
		return fmt.Errorf("total spots must be positive, got %d", c.TotalSpots)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.ReserveThreshold < 0 || c.ReserveThreshold > 1 {
		return fmt.Errorf("reserve threshold must be within [0,1], got %v", c.ReserveThreshold)
	}
	if c.MinAdvance >= c.MaxAdvance {
		return fmt.Errorf("min advance %v must be below max advance %v", c.MinAdvance, c.MaxAdvance)
	}
	if c.MinExtensionHours < 1 || c.MaxExtensionHours < c.MinExtensionHours {
		return fmt.Errorf("invalid extension bounds [%d,%d]", c.MinExtensionHours, c.MaxExtensionHours)
	}
	return nil
}
