// Package config loads room server settings from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAddr     = ":8080"
	defaultLogLevel = "info"
)

// Config holds the roomserver process settings. Zero durations and
// counts mean "use the room manager's defaults".
type Config struct {
	Addr           string
	LogLevel       string
	RoomTTL        time.Duration
	RoomMaxAge     time.Duration
	SweepInterval  time.Duration
	ReconnectGrace time.Duration
	CapacityWarnAt int
}

// Load reads PARTYSYNC_* variables, loading .env first if one exists.
// Unset variables fall back to defaults; malformed values are errors.
func Load() (Config, error) {
	godotenv.Load()

	cfg := Config{
		Addr:     envOr("PARTYSYNC_ADDR", defaultAddr),
		LogLevel: envOr("PARTYSYNC_LOG_LEVEL", defaultLogLevel),
	}
	var err error
	if cfg.RoomTTL, err = envDuration("PARTYSYNC_ROOM_TTL"); err != nil {
		return Config{}, err
	}
	if cfg.RoomMaxAge, err = envDuration("PARTYSYNC_ROOM_MAX_AGE"); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("PARTYSYNC_SWEEP_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectGrace, err = envDuration("PARTYSYNC_RECONNECT_GRACE"); err != nil {
		return Config{}, err
	}
	if cfg.CapacityWarnAt, err = envInt("PARTYSYNC_CAPACITY_WARN"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
