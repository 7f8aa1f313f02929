package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds the application configuration
type Config struct {
	TelegramToken string
	DBPath        string
	OwnerID       int64
	LockTimeout   time.Duration
	LogLevel      string
}

// NewConfig creates a new configuration from environment variables
func NewConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment only")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment alone.
func FromEnv() (*Config, error) {
	cfg := &Config{
		TelegramToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		DBPath:        getEnv("DB_PATH", "./escrow.db"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	var err error
	raw := getEnv("OWNER_ID", "0")
	if cfg.OwnerID, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return nil, errors.Wrapf(err, "invalid OWNER_ID %q", raw)
	}

	raw = getEnv("LOCK_TIMEOUT", "5s")
	if cfg.LockTimeout, err = time.ParseDuration(raw); err != nil {
		return nil, errors.Wrapf(err, "invalid LOCK_TIMEOUT %q", raw)
	}
	if cfg.LockTimeout <= 0 {
		return nil, errors.Errorf("LOCK_TIMEOUT must be positive, got %s", cfg.LockTimeout)
	}

	return cfg, nil
}

// Validate reports settings the bot cannot start without.
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH must not be empty")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
