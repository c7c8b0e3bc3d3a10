package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from an optional YAML file
// with environment overrides for the deployment-specific values.
type Config struct {
	Port    string `yaml:"port"`
	Storage string `yaml:"storage"` // "postgres" or "memory"

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Stream  string `yaml:"stream"`
	} `yaml:"nats"`

	Outbox struct {
		PollIntervalMS int `yaml:"poll_interval_ms"`
		BatchSize      int `yaml:"batch_size"`
	} `yaml:"outbox"`
}

func defaultConfig() *Config {
	cfg := &Config{
		Port:    "8080",
		Storage: "postgres",
	}
	cfg.NATS.Enabled = false
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Stream = "AUCTION_EVENTS"
	cfg.Outbox.PollIntervalMS = 200
	cfg.Outbox.BatchSize = 100
	return cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Storage = getEnv("STORAGE", cfg.Storage)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		cfg.NATS.Enabled = v == "true" || v == "1"
	}
	return cfg, nil
}

func (c *Config) outboxPollInterval() time.Duration {
	return time.Duration(c.Outbox.PollIntervalMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
