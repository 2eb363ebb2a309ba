package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Values come from a YAML file,
// then environment variables (loaded from .env if present) override
// individual keys.
type Config struct {
	Listen   string         `yaml:"listen"`
	Static   StaticConfig   `yaml:"static"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Storage  StorageConfig  `yaml:"storage"`
	NATS     NATSConfig     `yaml:"nats"`
}

type StaticConfig struct {
	// Exactly one of Path (zip file or unpacked bundle directory)
	// and URL is expected.
	Path string `yaml:"path"`
	URL  string `yaml:"url" validate:"omitempty,url"`

	// Reload cadence for the bundle. 0 disables refresh.
	RefreshHours int `yaml:"refreshHours" validate:"gte=0"`

	// JSON file for caching bundles downloaded from URL across runs.
	// Blank disables caching; a cached bundle stays fresh for the
	// refresh interval.
	CachePath string `yaml:"cachePath"`

	ClusterThresholdMeters float64 `yaml:"clusterThresholdMeters" validate:"gte=0"`
}

type RealtimeConfig struct {
	URL             string `yaml:"url" validate:"omitempty,url"`
	PollIntervalSec int    `yaml:"pollIntervalSec" validate:"gte=0"`
	TimeoutSec      int    `yaml:"timeoutSec" validate:"gte=0"`
	TramRouteCutoff int    `yaml:"tramRouteCutoff" validate:"gte=0"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory sqlite postgres"`

	// sqlite: directory for database files (blank means in-memory
	// databases). postgres: connection string.
	DSN string `yaml:"dsn"`
}

type NATSConfig struct {
	// Blank disables the NATS mirror.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// Load reads the config file (optional; path may be blank), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}
	applyDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Listen, "TRANSIT_LISTEN")
	setString(&cfg.Static.Path, "TRANSIT_STATIC_PATH")
	setString(&cfg.Static.URL, "TRANSIT_STATIC_URL")
	setString(&cfg.Static.CachePath, "TRANSIT_STATIC_CACHE_PATH")
	setString(&cfg.Realtime.URL, "TRANSIT_REALTIME_URL")
	setString(&cfg.Storage.Backend, "TRANSIT_STORAGE_BACKEND")
	setString(&cfg.Storage.DSN, "TRANSIT_STORAGE_DSN")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")

	for _, v := range []struct {
		dst *int
		key string
	}{
		{&cfg.Static.RefreshHours, "TRANSIT_STATIC_REFRESH_HOURS"},
		{&cfg.Realtime.PollIntervalSec, "TRANSIT_POLL_INTERVAL_SEC"},
		{&cfg.Realtime.TimeoutSec, "TRANSIT_REALTIME_TIMEOUT_SEC"},
		{&cfg.Realtime.TramRouteCutoff, "TRANSIT_TRAM_ROUTE_CUTOFF"},
	} {
		if err := setInt(v.dst, v.key); err != nil {
			return err
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Static.ClusterThresholdMeters == 0 {
		cfg.Static.ClusterThresholdMeters = 40
	}
	if cfg.Realtime.PollIntervalSec == 0 {
		cfg.Realtime.PollIntervalSec = 10
	}
	if cfg.Realtime.TimeoutSec == 0 {
		cfg.Realtime.TimeoutSec = 10
	}
	if cfg.Realtime.TramRouteCutoff == 0 {
		cfg.Realtime.TramRouteCutoff = 35
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "transit.vehicles"
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Realtime.PollIntervalSec) * time.Second
}

func (c *Config) RealtimeTimeout() time.Duration {
	return time.Duration(c.Realtime.TimeoutSec) * time.Second
}

func (c *Config) StaticRefresh() time.Duration {
	return time.Duration(c.Static.RefreshHours) * time.Hour
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}

	*dst = n
	return nil
}
