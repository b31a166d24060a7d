// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	AgentsPath        string
	MonthlyGrant      int64
	GenerationTimeout time.Duration
	Generation        GenerationConfig
}

// GenerationConfig controls the OpenAI-compatible generation backend.
// An empty APIKey disables AI features; the rest of the surface keeps
// working (dock state, history, balances).
type GenerationConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	grant := getEnvInt64("MONTHLY_TOKEN_GRANT", 50000)
	if grant < 0 {
		grant = 0
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/chatdock.db"),
		AgentsPath:        getEnv("AGENTS_PATH", "./agents.yaml"),
		MonthlyGrant:      grant,
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
		Generation: GenerationConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("GENERATION_MODEL", "gpt-4o-mini"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AgentsPath == "" {
		return fmt.Errorf("AGENTS_PATH cannot be empty")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.Generation.APIKey != "" && c.Generation.Model == "" {
		return fmt.Errorf("GENERATION_MODEL cannot be empty when OPENAI_API_KEY is set")
	}
	return nil
}

// AIEnabled reports whether a generation backend is configured.
func (c *Config) AIEnabled() bool {
	return c.Generation.APIKey != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
