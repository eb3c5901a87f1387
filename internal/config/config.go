package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend names accepted by DEFAULT_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendPebble   = "pebble"
)

// Config holds all environment configuration
type Config struct {
	Port                int
	DatabaseURL         string
	SQLitePath          string
	PebbleDir           string
	DefaultBackend      string
	LeaseDuration       time.Duration
	ReclaimInterval     time.Duration
	LogLevel            string
	DBConnectionTimeout time.Duration
}

// helper: read env var as int seconds → convert to duration
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:                getEnvAsInt("PORT", 8080),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", ""),
		PebbleDir:           getEnv("PEBBLE_DIR", ""),
		DefaultBackend:      getEnv("DEFAULT_BACKEND", ""),
		LeaseDuration:       getEnvAsDuration("LEASE_DURATION", 5*time.Minute),
		ReclaimInterval:     getEnvAsDuration("RECLAIM_INTERVAL", 60*time.Second),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DBConnectionTimeout: getEnvAsDuration("DB_CONNECTION_TIMEOUT", 5*time.Second),
	}

	// Basic validation
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" && cfg.PebbleDir == "" {
		return nil, errors.New("at least one of DATABASE_URL, SQLITE_PATH, PEBBLE_DIR is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("invalid LEASE_DURATION: %s", cfg.LeaseDuration)
	}

	switch cfg.DefaultBackend {
	case "":
		// Pick the first configured store, in reference order.
		switch {
		case cfg.DatabaseURL != "":
			cfg.DefaultBackend = BackendPostgres
		case cfg.SQLitePath != "":
			cfg.DefaultBackend = BackendSQLite
		default:
			cfg.DefaultBackend = BackendPebble
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DEFAULT_BACKEND=postgres requires DATABASE_URL")
		}
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, errors.New("DEFAULT_BACKEND=sqlite requires SQLITE_PATH")
		}
	case BackendPebble:
		if cfg.PebbleDir == "" {
			return nil, errors.New("DEFAULT_BACKEND=pebble requires PEBBLE_DIR")
		}
	default:
		return nil, fmt.Errorf("unknown DEFAULT_BACKEND: %q", cfg.DefaultBackend)
	}

	return cfg, nil
}
