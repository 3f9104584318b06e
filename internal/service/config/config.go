package config

import "time"

type Config struct {
	Provider         ProviderConfig
	RetryConcurrency int           `env:"RETRY_CONCURRENCY"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL"`
	StuckAfter       time.Duration `env:"STUCK_AFTER"`
}

type ProviderConfig struct {
	Addr      string        `env:"PROVIDER_ADDRESS"`
	APIKey    string        `env:"PROVIDER_API_KEY"`
	APISecret string        `env:"PROVIDER_API_SECRET"`
	Origin    string        `env:"PROVIDER_ORIGIN"`
	Timeout   time.Duration `env:"PROVIDER_TIMEOUT"`
}
