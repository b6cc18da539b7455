// Package config loads calsync settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/convert"
)

// Winner names the side that wins a conflict when no timestamp decides it.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv    string
	LogLevel  string
	LogFormat string

	// Credentials at rest. EncryptionKey wins over EncryptionPassphrase.
	EncryptionKey        string
	EncryptionPassphrase string
	EncryptionSalt       string

	// Database
	DatabaseDriver   string
	DatabaseURL      string
	SQLitePath       string
	DatabaseMaxConns int

	// Optional infrastructure; empty disables it.
	RedisURL    string
	RabbitMQURL string

	// Default CalDAV account used by `users add` and `users import` when
	// fields are omitted.
	CalDAVServerURL string
	CalDAVLogin     string
	CalDAVPassword  string

	Sync SyncConfig

	// Worker
	WorkerHealthAddr string
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	Enabled          bool
	Schedule         string
	Timeout          time.Duration
	MaxParallelUsers int
	DefaultWinner    Winner
	LockTTL          time.Duration

	DailyLimit     time.Duration
	WeeklyLimit    time.Duration
	MonthlyLimit   time.Duration
	YearlyLimit    time.Duration
	MaxOccurrences int

	LogRetentionDays int

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Load reads the environment, after loading .env when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		EncryptionKey:        getEnv("CALSYNC_ENCRYPTION_KEY", ""),
		EncryptionPassphrase: getEnv("CALSYNC_ENCRYPTION_PASSPHRASE", ""),
		EncryptionSalt:       getEnv("CALSYNC_ENCRYPTION_SALT", "calsync"),

		DatabaseDriver:   getEnv("DATABASE_DRIVER", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", ""),
		DatabaseMaxConns: getIntEnv("DATABASE_MAX_CONNS", 10),

		RedisURL:    getEnv("REDIS_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		CalDAVServerURL: getEnv("CALDAV_SERVER_URL", ""),
		CalDAVLogin:     getEnv("CALDAV_LOGIN", ""),
		CalDAVPassword:  getEnv("CALDAV_PASSWORD", ""),

		Sync: SyncConfig{
			Enabled:          getBoolEnv("CALSYNC_SYNC_ENABLED", true),
			Schedule:         getEnv("CALSYNC_SYNC_SCHEDULE", "*/15 * * * *"),
			Timeout:          getDurationEnv("CALSYNC_SYNC_TIMEOUT", 10*time.Minute),
			MaxParallelUsers: getIntEnv("CALSYNC_MAX_PARALLEL_USERS", 1),
			DefaultWinner:    Winner(strings.ToLower(getEnv("CALSYNC_DEFAULT_WINNER", string(WinnerLocal)))),
			LockTTL:          getDurationEnv("CALSYNC_LOCK_TTL", 30*time.Minute),

			DailyLimit:     getDaysEnv("CALSYNC_RECURRENCE_DAILY_LIMIT", 730),
			WeeklyLimit:    getDaysEnv("CALSYNC_RECURRENCE_WEEKLY_LIMIT", 730),
			MonthlyLimit:   getDaysEnv("CALSYNC_RECURRENCE_MONTHLY_LIMIT", 730),
			YearlyLimit:    getDaysEnv("CALSYNC_RECURRENCE_YEARLY_LIMIT", 3650),
			MaxOccurrences: getIntEnv("CALSYNC_MAX_OCCURRENCES", 2000),

			LogRetentionDays: getIntEnv("CALSYNC_LOG_RETENTION_DAYS", 30),

			BreakerFailures: convert.IntToUint32Clamped(getIntEnv("CALSYNC_BREAKER_FAILURES", 5)),
			BreakerTimeout:  getDurationEnv("CALSYNC_BREAKER_TIMEOUT", time.Minute),
		},

		WorkerHealthAddr: getEnv("WORKER_HEALTH_ADDR", "0.0.0.0:8081"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Sync.DefaultWinner {
	case WinnerLocal, WinnerRemote:
	default:
		return fmt.Errorf("invalid CALSYNC_DEFAULT_WINNER %q: want local or remote", c.Sync.DefaultWinner)
	}
	if c.Sync.MaxParallelUsers < 1 {
		return fmt.Errorf("CALSYNC_MAX_PARALLEL_USERS must be at least 1")
	}
	if c.DatabaseDriver != "" && c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("invalid DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// LogRetention returns the sync log retention window.
func (c SyncConfig) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getDaysEnv reads a whole number of days.
func getDaysEnv(key string, defaultDays int) time.Duration {
	return time.Duration(getIntEnv(key, defaultDays)) * 24 * time.Hour
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
