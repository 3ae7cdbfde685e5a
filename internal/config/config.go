// Package config loads process settings from the environment, reading an
// optional .env file first.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is shared by the relay server and the historian.
type Config struct {
	Port     int          `env:"PORT" envDefault:"8080"`
	LogLevel logrus.Level `env:"LOG_LEVEL" envDefault:"info"`

	// OriginPatterns are passed to the websocket handshake; "*" accepts any origin.
	OriginPatterns []string `env:"WS_ORIGIN_PATTERNS" envDefault:"*"`

	Rooms     RoomsConfig
	Redis     RedisConfig
	DB        DBConfig
	Historian HistorianConfig
}

type RoomsConfig struct {
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	// StaleAfter is how long a host may stay silent before its room is closed.
	StaleAfter time.Duration `env:"ROOM_STALE_AFTER" envDefault:"30m"`
}

type RedisConfig struct {
	// Addr empty disables the room event feed.
	Addr  string `env:"REDIS_ADDR"`
	DB    int    `env:"REDIS_DB" envDefault:"0"`
	Queue string `env:"ROOM_EVENTS_QUEUE" envDefault:"relay_room_events"`
}

type DBConfig struct {
	URL string `env:"DATABASE_URL"`
}

type HistorianConfig struct {
	BatchSize     int           `env:"HISTORIAN_BATCH_SIZE" envDefault:"20"`
	FlushInterval time.Duration `env:"HISTORIAN_FLUSH_INTERVAL" envDefault:"500ms"`
}

// Load reads .env when present, then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment without touching .env.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.Rooms.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.Rooms.StaleAfter <= 0 {
		return errors.New("ROOM_STALE_AFTER must be positive")
	}
	if c.Historian.BatchSize <= 0 {
		return errors.New("HISTORIAN_BATCH_SIZE must be positive")
	}
	return nil
}
