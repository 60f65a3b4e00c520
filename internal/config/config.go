package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

var ErrMissingRequired = errors.New("missing required environment variable")

type Config struct {
	Env  string
	Port string

	RedisURL  string
	RedisPass string
	RedisDB   int

	JWTSecret string
	JWTExpiry time.Duration

	LogLevel slog.Level

	// TokenDecimals is the number of base units per display unit, as a power of ten.
	TokenDecimals int32
	BoardCacheTTL time.Duration

	GenesisPath string
	ServerSeed  string

	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	ShutdownTimeout    time.Duration
}

// Load reads the configuration from the environment, applying defaults for
// everything except JWT_SECRET.
func Load() (*Config, error) {
	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:   os.Getenv("REDIS_PASSWORD"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		GenesisPath: getEnv("GENESIS_PATH", "genesis.yaml"),
		ServerSeed:  os.Getenv("SERVER_SEED"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: JWT_SECRET", ErrMissingRequired)
	}

	var err error

	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	decimals, err := getInt("TOKEN_DECIMALS", 18)
	if err != nil {
		return nil, err
	}
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("TOKEN_DECIMALS must be within [0, 36], got %d", decimals)
	}
	cfg.TokenDecimals = int32(decimals)

	// SESSION_IDLE_TIMEOUT may be zero to disable eviction.
	durations := []struct {
		key      string
		def      time.Duration
		dst      *time.Duration
		positive bool
	}{
		{"JWT_EXPIRY", 24 * time.Hour, &cfg.JWTExpiry, true},
		{"BOARD_CACHE_TTL", 5 * time.Second, &cfg.BoardCacheTTL, false},
		{"SESSION_IDLE_TIMEOUT", 30 * time.Minute, &cfg.SessionIdleTimeout, false},
		{"SWEEP_INTERVAL", 5 * time.Second, &cfg.SweepInterval, true},
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout, true},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
		if *d.dst < 0 || (d.positive && *d.dst == 0) {
			return nil, fmt.Errorf("%s must be positive, got %s", d.key, *d.dst)
		}
	}

	if raw, ok := os.LookupEnv("APP_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return nil, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}
