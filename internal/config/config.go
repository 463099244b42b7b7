// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the host configuration and plugin mapped configs.
//
// Host settings come from defaults, then an optional YAML file, then
// command-line flags. Flag names use hyphens where keys use underscores:
// --plugins-dir sets plugins_dir.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the host configuration.
type Config struct {
	PluginsDir     string        `koanf:"plugins_dir"`
	TickRate       time.Duration `koanf:"tick_rate"`
	StallThreshold time.Duration `koanf:"stall_threshold"`
	AsyncWorkers   int           `koanf:"async_workers"`
	MetricsAddr    string        `koanf:"metrics_addr"`
	LogFormat      string        `koanf:"log_format"`
	LogLevel       string        `koanf:"log_level"`
	DatabaseURL    string        `koanf:"database_url"`
	Journal        bool          `koanf:"journal"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginsDir:     "plugins",
		TickRate:       50 * time.Millisecond,
		StallThreshold: 10 * time.Second,
		AsyncWorkers:   4,
		MetricsAddr:    "127.0.0.1:9105",
		LogFormat:      "json",
		LogLevel:       "info",
	}
}

// RegisterFlags adds the host flags to fs with defaults from Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("plugins-dir", d.PluginsDir, "directory scanned for plugin manifests")
	fs.Duration("tick-rate", d.TickRate, "main thread tick interval")
	fs.Duration("stall-threshold", d.StallThreshold, "main thread stall warning threshold")
	fs.Int("async-workers", d.AsyncWorkers, "shared async workers per plugin session")
	fs.String("metrics-addr", d.MetricsAddr, "observability listen address (empty disables)")
	fs.String("log-format", d.LogFormat, "log format (json or text)")
	fs.String("log-level", d.LogLevel, "minimum log level (debug, info, warn, error)")
	fs.String("database-url", d.DatabaseURL, "PostgreSQL URL for the transition journal")
	fs.Bool("journal", d.Journal, "record extension transitions in PostgreSQL")
}

// Load builds the configuration. path may be empty; a missing file at an
// explicit path is an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.PluginsDir == "":
		return oops.Code("CONFIG_INVALID").With("key", "plugins_dir").Errorf("plugins_dir is required")
	case c.TickRate <= 0:
		return oops.Code("CONFIG_INVALID").With("key", "tick_rate").Errorf("tick_rate must be positive")
	case c.StallThreshold < c.TickRate:
		return oops.Code("CONFIG_INVALID").With("key", "stall_threshold").Errorf("stall_threshold must be at least tick_rate")
	case c.AsyncWorkers < 1:
		return oops.Code("CONFIG_INVALID").With("key", "async_workers").Errorf("async_workers must be at least 1")
	case c.LogFormat != "json" && c.LogFormat != "text":
		return oops.Code("CONFIG_INVALID").With("key", "log_format").Errorf("log_format must be json or text, got %q", c.LogFormat)
	case c.Journal && c.DatabaseURL == "":
		return oops.Code("CONFIG_INVALID").With("key", "database_url").Errorf("database_url is required when journal is enabled")
	}
	return nil
}

// LoadMapped reads a plugin's mapped YAML config. The result is bound in
// the registry under the config's key.
func LoadMapped(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		code := "CONFIG_MAPPED_FAILED"
		if errors.Is(err, fs.ErrNotExist) {
			code = "CONFIG_MAPPED_MISSING"
		}
		return nil, oops.Code(code).With("path", path).Wrap(err)
	}
	return k, nil
}
