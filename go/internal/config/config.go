// Package config loads server settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/typeracer/go/internal/race"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string // "console" or "json"

	Backend  string
	NATSURL  string
	Bucket   string
	RoomTTL  time.Duration
	Database DatabaseConfig

	FeedEnabled bool
	FeedStream  string
	ResultsKept int

	Rules     race.Rules
	Sentences []string
}

// fileConfig is the YAML layout of RACE_CONFIG.
type fileConfig struct {
	Race struct {
		Quorum           int    `yaml:"quorum"`
		CountdownSeconds int    `yaml:"countdown_seconds"`
		RaceDuration     string `yaml:"race_duration"`
		TimerOwnership   string `yaml:"timer_ownership"`
	} `yaml:"race"`
	Store struct {
		Backend string `yaml:"backend"`
		Bucket  string `yaml:"bucket"`
	} `yaml:"store"`
	Sentences []string `yaml:"sentences"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:        "8080",
		LogLevel:    "info",
		LogFormat:   "console",
		Backend:     BackendMemory,
		NATSURL:     "nats://127.0.0.1:4222",
		Bucket:      "RACE_ROOMS",
		RoomTTL:     24 * time.Hour,
		Database:    DatabaseFromEnv(),
		FeedStream:  "RACE_EVENTS",
		ResultsKept: 100,
		Rules:       race.DefaultRules(),
		Sentences:   race.DefaultSentences,
	}
}

// Load builds the configuration. RACE_CONFIG names an optional YAML file.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("RACE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	if fc.Race.Quorum != 0 {
		c.Rules.Quorum = fc.Race.Quorum
	}
	if fc.Race.CountdownSeconds != 0 {
		c.Rules.CountdownFrom = fc.Race.CountdownSeconds
	}
	if fc.Race.RaceDuration != "" {
		d, err := parseDuration(fc.Race.RaceDuration)
		if err != nil {
			return fmt.Errorf("race.race_duration: %w", err)
		}
		c.Rules.RaceDuration = d
	}
	if fc.Race.TimerOwnership != "" {
		o, err := race.ParseOwnership(fc.Race.TimerOwnership)
		if err != nil {
			return fmt.Errorf("race.timer_ownership: %w", err)
		}
		c.Rules.Ownership = o
	}
	if fc.Store.Backend != "" {
		c.Backend = fc.Store.Backend
	}
	if fc.Store.Bucket != "" {
		c.Bucket = fc.Store.Bucket
	}
	if len(fc.Sentences) > 0 {
		c.Sentences = fc.Sentences
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.Backend = strings.ToLower(getEnv("STORE_BACKEND", c.Backend))
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.Bucket = getEnv("ROOMS_BUCKET", c.Bucket)
	c.RoomTTL = getEnvAsDuration("ROOM_TTL", c.RoomTTL)

	c.FeedEnabled = getEnvAsBool("FEED_ENABLED", c.FeedEnabled)
	c.FeedStream = getEnv("FEED_STREAM", c.FeedStream)
	c.ResultsKept = getEnvAsInt("RESULTS_KEPT", c.ResultsKept)

	c.Rules.Quorum = getEnvAsInt("QUORUM", c.Rules.Quorum)
	c.Rules.CountdownFrom = getEnvAsInt("COUNTDOWN_SECONDS", c.Rules.CountdownFrom)
	c.Rules.RaceDuration = getEnvAsDuration("RACE_DURATION", c.Rules.RaceDuration)
	if v := os.Getenv("TIMER_OWNERSHIP"); v != "" {
		o, err := race.ParseOwnership(v)
		if err != nil {
			return err
		}
		c.Rules.Ownership = o
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendNATS, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Backend)
	}
	if c.FeedEnabled && c.NATSURL == "" {
		return errors.New("FEED_ENABLED requires NATS_URL")
	}
	if len(c.Sentences) == 0 {
		return errors.New("no race sentences configured")
	}
	return c.Rules.Validate()
}
