// Package config содержит логику чтения конфигурации сервиса кассы.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса кассы.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	RedisAddress   string `env:"REDIS_ADDRESS"`
	WebhookAddress string `env:"WEBHOOK_ADDRESS"`
	ReceiptAddress string `env:"RECEIPT_ADDRESS"`
	AuthSecret     string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envWebhookAddress := cfg.WebhookAddress
	envReceiptAddress := cfg.ReceiptAddress
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "q", "localhost:6379", "redis address for the queue change feed")
	flag.StringVar(&cfg.WebhookAddress, "w", "", "CRM webhook base address")
	flag.StringVar(&cfg.ReceiptAddress, "g", "", "receipt gateway base address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for staff auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envWebhookAddress != "" {
		cfg.WebhookAddress = envWebhookAddress
	}
	if envReceiptAddress != "" {
		cfg.ReceiptAddress = envReceiptAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
