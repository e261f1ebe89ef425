// Package config содержит логику чтения конфигурации API калькулятора.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации API калькулятора.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisURL    string `env:"REDIS_URL"`

	LLMAPIURL string `env:"LLM_API_URL"`
	LLMAPIKey string `env:"LLM_API_KEY"`
	LLMModel  string `env:"LLM_MODEL"`

	CheckoutBaseURL string   `env:"CHECKOUT_BASE_URL"`
	AllowedOrigins  []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	ReportTTL            time.Duration `env:"REPORT_TTL" envDefault:"48h"`
	ReportWorkerInterval time.Duration `env:"REPORT_WORKER_INTERVAL" envDefault:"2s"`
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
	envRedisURL := cfg.RedisURL
	envLLMAPIURL := cfg.LLMAPIURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisURL, "r", "", "redis URL for rate limiting")
	flag.StringVar(&cfg.LLMAPIURL, "l", "", "LLM API base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisURL != "" {
		cfg.RedisURL = envRedisURL
	}
	if envLLMAPIURL != "" {
		cfg.LLMAPIURL = envLLMAPIURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if cfg.ReportTTL <= 0 {
		return nil, fmt.Errorf("REPORT_TTL must be positive, got %s", cfg.ReportTTL)
	}
	if cfg.ReportWorkerInterval <= 0 {
		return nil, fmt.Errorf("REPORT_WORKER_INTERVAL must be positive, got %s", cfg.ReportWorkerInterval)
	}

	return cfg, nil
}

// LLMEnabled сообщает, настроен ли доступ к языковой модели.
func (c *Config) LLMEnabled() bool {
	return c.LLMAPIURL != "" && c.LLMAPIKey != ""
}
