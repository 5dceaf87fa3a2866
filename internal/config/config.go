// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

// Package config loads rolecraft configuration from defaults, an
// optional YAML file, and command-line flags, in that order of
// precedence (later sources win).
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/rolecraft/rolecraft/internal/xdg"
)

// Store backend identifiers accepted by Config.Store.Backend.
const (
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// Config is the root configuration for the rolecraft daemon and CLI.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Store   StoreConfig   `koanf:"store"`
	Metrics MetricsConfig `koanf:"metrics"`
	Sweep   SweepConfig   `koanf:"sweep"`
	Cache   CacheConfig   `koanf:"cache"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend     string `koanf:"backend"`
	DatabaseURL string `koanf:"database_url"`
	Path        string `koanf:"path"`
}

// MetricsConfig configures the observability HTTP server.
// An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// SweepConfig configures the stale-permission sweeper.
type SweepConfig struct {
	Schedule string `koanf:"schedule"`
}

// CacheConfig configures the offline member cache.
type CacheConfig struct {
	OfflineSize int           `koanf:"offline_size"`
	OfflineTTL  time.Duration `koanf:"offline_ttl"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: BackendPostgres,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9100",
		},
		Sweep: SweepConfig{
			Schedule: "@every 10m",
		},
		Cache: CacheConfig{
			OfflineSize: 256,
			OfflineTTL:  5 * time.Minute,
		},
	}
}

// DefaultPath returns the XDG-resolved config file path.
func DefaultPath() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", oops.In("config").Wrap(err)
	}
	return filepath.Join(dir, "rolecraft.yaml"), nil
}

// Load builds a Config by layering, in order: built-in defaults, the
// YAML file at path (skipped silently when path is empty or the file
// does not exist), and any flags changed on flags (nil to skip).
// DATABASE_URL from the environment backfills store.database_url when
// no other source set it.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	errb := oops.In("config").With("path", path)

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, errb.Code("CONFIG_INVALID").With("source", "file").Wrap(err)
			}
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, errb.With("source", "flags").Wrap(err)
		}
	}

	// Unmarshal over the defaults; koanf only touches keys a source set.
	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errb.Code("CONFIG_INVALID").Wrap(err)
	}

	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that koanf cannot express.
func (c Config) Validate() error {
	errb := oops.In("config").Code("CONFIG_INVALID")

	switch c.Store.Backend {
	case BackendPostgres, BackendFile, BackendMemory:
	default:
		return errb.With("backend", c.Store.Backend).
			Errorf("store backend must be one of postgres, file, memory")
	}
	if c.Store.Backend == BackendFile && c.Store.Path == "" {
		return errb.Errorf("store.path is required for the file backend")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return errb.With("format", c.Log.Format).
			Errorf("log format must be 'json' or 'text'")
	}
	if c.Cache.OfflineSize < 0 {
		return errb.With("offline_size", c.Cache.OfflineSize).
			Errorf("cache.offline_size must not be negative")
	}
	return nil
}
