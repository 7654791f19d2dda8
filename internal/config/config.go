package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ignatij/stepflow/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config is the process configuration of the stepflow binaries.
type Config struct {
	DBUsername string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
	// DBConnStr overrides the DB_* pieces when set (--db flag).
	DBConnStr string

	// RedisAddr selects the Redis lock service; empty means in-process locks.
	RedisAddr string

	LockAttempts   int
	LockRetryDelay time.Duration
	LockTTL        time.Duration
	Workers        int
	HTTPPort       string
}

// Load reads .env if present and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, falling back to defaults
// for anything unset.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		DBUsername:     getenv("DB_USERNAME"),
		DBPassword:     getenv("DB_PASSWORD"),
		DBHost:         getenv("DB_HOST"),
		DBPort:         getenv("DB_PORT"),
		DBName:         getenv("DB_NAME"),
		RedisAddr:      getenv("REDIS_ADDR"),
		LockAttempts:   service.DefaultLockAttempts,
		LockRetryDelay: service.DefaultLockRetryDelay,
		LockTTL:        service.DefaultLockTTL,
		Workers:        4,
		HTTPPort:       "8080",
	}
	if port := getenv("HTTP_PORT"); port != "" {
		cfg.HTTPPort = port
	}

	var err error
	if cfg.LockAttempts, err = intVar(getenv, "LOCK_ATTEMPTS", cfg.LockAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = intVar(getenv, "WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.LockRetryDelay, err = durationVar(getenv, "LOCK_RETRY_DELAY", cfg.LockRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = durationVar(getenv, "LOCK_TTL", cfg.LockTTL); err != nil {
		return Config{}, err
	}
	// LOCK_TIMEOUT is the total budget; it is spread over the attempts.
	if raw := getenv("LOCK_TIMEOUT"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid LOCK_TIMEOUT %q", raw)
		}
		if timeout <= 0 {
			return Config{}, errors.Errorf("LOCK_TIMEOUT must be positive, got %s", timeout)
		}
		cfg.LockRetryDelay = timeout / time.Duration(cfg.LockAttempts)
	}
	return cfg, nil
}

// ConnString returns the Postgres connection string, or an error when neither
// the --db override nor a complete set of DB_* variables is available.
func (c Config) ConnString() (string, error) {
	if c.DBConnStr != "" {
		return c.DBConnStr, nil
	}
	if c.DBUsername == "" || c.DBPassword == "" || c.DBHost == "" || c.DBPort == "" || c.DBName == "" {
		return "", errors.New("--db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBName), nil
}

// LockOptions turns the lock settings into LockCoordinator options.
func (c Config) LockOptions() []service.LockOption {
	return []service.LockOption{
		service.WithLockAttempts(c.LockAttempts),
		service.WithLockRetryDelay(c.LockRetryDelay),
		service.WithLockTTL(c.LockTTL),
	}
}

func intVar(getenv func(string) string, name string, def int) (int, error) {
	raw := getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, raw)
	}
	if n <= 0 {
		return 0, errors.Errorf("%s must be positive, got %d", name, n)
	}
	return n, nil
}

func durationVar(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	raw := getenv(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, raw)
	}
	return d, nil
}
