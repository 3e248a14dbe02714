package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Worker   WorkerConfig
	Retry    RetryConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver           string
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr string
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Count        int
	IdleInterval time.Duration
	JobTimeout   time.Duration
}

// RetryConfig holds retry/backoff policy configuration.
// Defaults are deliberately conservative: base 30s doubling per attempt,
// capped at 30m, four attempts per job.
type RetryConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "sqlite"),
			DSN:              getEnv("DB_URL", "file:studypipe.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		},
		Worker: WorkerConfig{
			Count:        getEnvAsInt("WORKER_COUNT", 4),
			IdleInterval: getEnvAsDuration("WORKER_IDLE_INTERVAL", 500*time.Millisecond),
			JobTimeout:   getEnvAsDuration("JOB_TIMEOUT", 3*time.Minute),
		},
		Retry: RetryConfig{
			Base:        getEnvAsDuration("RETRY_BASE", 30*time.Second),
			Cap:         getEnvAsDuration("RETRY_CAP", 30*time.Minute),
			MaxAttempts: getEnvAsInt("MAX_ATTEMPTS", 4),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Worker.Count <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_COUNT must be positive", ErrInvalidInput)
	}
	if c.Retry.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "MAX_ATTEMPTS must be positive", ErrInvalidInput)
	}
	return nil
}
