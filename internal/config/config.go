// Package config содержит логику чтения конфигурации реферального сервиса.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации реферального сервиса.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	ClientBaseURL     string `env:"CLIENT_BASE_URL"`
	OpsWebhookAddress string `env:"OPS_WEBHOOK_ADDRESS"`
	AuthSecret        string `env:"AUTH_SECRET"`
	RewardAmount      int64  `env:"REWARD_AMOUNT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envClientBaseURL := cfg.ClientBaseURL
	envOpsWebhook := cfg.OpsWebhookAddress
	envAuthSecret := cfg.AuthSecret
	envRewardAmount := cfg.RewardAmount

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ClientBaseURL, "c", "http://localhost:3090", "base URL for referral links")
	flag.StringVar(&cfg.OpsWebhookAddress, "o", "", "ops webhook address for reward failures")
	flag.StringVar(&cfg.AuthSecret, "s", "referral-secret", "secret key for auth cookies")
	flag.Int64Var(&cfg.RewardAmount, "w", 500, "reward amount in credits per referral")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envClientBaseURL != "" {
		cfg.ClientBaseURL = envClientBaseURL
	}
	if envOpsWebhook != "" {
		cfg.OpsWebhookAddress = envOpsWebhook
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	// Нулевое значение int64 не отличает выставленную переменную от отсутствующей.
	if v, ok := os.LookupEnv("REWARD_AMOUNT"); ok && v != "" {
		cfg.RewardAmount = envRewardAmount
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.RewardAmount <= 0 {
		return nil, fmt.Errorf("reward amount must be positive, got %d", cfg.RewardAmount)
	}

	return cfg, nil
}
