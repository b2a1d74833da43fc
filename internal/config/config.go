// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults used when the corresponding environment variable is unset.
const (
	DefaultBaseURL     = "https://style-predict-backend.onrender.com"
	DefaultTimeout     = 40 * time.Second
	DefaultTick        = time.Second
	DefaultHold        = 200 * time.Millisecond
	DefaultListenAddr  = ":8080"
	DefaultSessionTTL  = 30 * time.Minute
	DefaultSubmitRate  = 1.0
	DefaultSubmitBurst = 3
)

// Config holds everything the server and CLI need to talk to the prediction service.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Tick        time.Duration
	Hold        time.Duration
	Wake        bool
	ListenAddr  string
	SessionTTL  time.Duration
	SubmitRate  float64
	SubmitBurst int
	LogLevel    string
	LogFormat   string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:    getEnv("PREDICT_BASE_URL", DefaultBaseURL),
		ListenAddr: getEnv("LISTEN_ADDR", DefaultListenAddr),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.Timeout, err = getEnvDuration("PREDICT_TIMEOUT", DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.Tick, err = getEnvDuration("PREDICT_TICK", DefaultTick); err != nil {
		return nil, err
	}
	if cfg.Hold, err = getEnvDuration("PREDICT_HOLD", DefaultHold); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getEnvDuration("SESSION_TTL", DefaultSessionTTL); err != nil {
		return nil, err
	}
	if cfg.Wake, err = getEnvBool("PREDICT_WAKE", true); err != nil {
		return nil, err
	}
	if cfg.SubmitRate, err = getEnvFloat("SUBMIT_RATE", DefaultSubmitRate); err != nil {
		return nil, err
	}
	if cfg.SubmitBurst, err = getEnvInt("SUBMIT_BURST", DefaultSubmitBurst); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants between settings.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url must not be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Tick <= 0 || c.Tick > c.Timeout {
		return fmt.Errorf("tick must be in (0, %s], got %s", c.Timeout, c.Tick)
	}
	if c.Hold < 0 {
		return fmt.Errorf("hold must not be negative, got %s", c.Hold)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	if c.SubmitRate <= 0 || c.SubmitBurst <= 0 {
		return fmt.Errorf("submit rate and burst must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
