// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"
)

type Config struct {
	Port string

	StorageDriver string
	DatabasePath  string
	DatabaseURL   string
	StorageQuota  int64
	// Origin stamps this process's writes in the change log
	Origin string

	APIBaseURL       string
	FallbackProbeURL string
	APIToken         string

	PollInterval    time.Duration
	FeedInterval    time.Duration
	MonitorInterval time.Duration
	AutoRepair      bool

	SessionSecret string

	TelegramBotToken string
	AdminTelegramID  int64
	ChannelID        string
	WebAppURL        string
}

// Load reads a .env file if present, then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using system environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:             get("PORT", "8080"),
		StorageDriver:    get("STORAGE_DRIVER", DriverSQLite),
		DatabasePath:     get("DATABASE_PATH", "/app/data/wallet.db"),
		DatabaseURL:      getenv("DATABASE_URL"),
		Origin:           get("STORAGE_ORIGIN", hostOrigin()),
		APIBaseURL:       getenv("API_BASE_URL"),
		FallbackProbeURL: getenv("API_FALLBACK_PROBE_URL"),
		APIToken:         getenv("API_TOKEN"),
		SessionSecret:    getenv("SESSION_SECRET"),
		TelegramBotToken: getenv("TELEGRAM_BOT_TOKEN"),
		ChannelID:        getenv("CHANNEL_ID"),
		WebAppURL:        getenv("WEB_APP_URL"),
	}

	var err error
	if cfg.StorageQuota, err = parseInt("STORAGE_QUOTA", get("STORAGE_QUOTA", "0")); err != nil {
		return nil, err
	}
	if cfg.AdminTelegramID, err = parseInt("ADMIN_TELEGRAM_ID", get("ADMIN_TELEGRAM_ID", "0")); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = parseDuration("POLL_INTERVAL", get("POLL_INTERVAL", "2s")); err != nil {
		return nil, err
	}
	if cfg.FeedInterval, err = parseDuration("FEED_INTERVAL", get("FEED_INTERVAL", "250ms")); err != nil {
		return nil, err
	}
	if cfg.MonitorInterval, err = parseDuration("MONITOR_INTERVAL", get("MONITOR_INTERVAL", "1m")); err != nil {
		return nil, err
	}
	if cfg.AutoRepair, err = strconv.ParseBool(get("AUTO_REPAIR", "false")); err != nil {
		return nil, fmt.Errorf("AUTO_REPAIR: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case DriverSQLite, DriverBolt:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for the %s driver", c.StorageDriver)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL environment variable is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET environment variable is required")
	}
	if c.StorageQuota < 0 {
		return fmt.Errorf("STORAGE_QUOTA must not be negative")
	}
	return nil
}

func parseInt(key, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func hostOrigin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "walletsync"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
