// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the keeper service configuration.
//
// Configuration is assembled in three layers, later layers winning:
//
//  1. Defaults(), the compiled-in defaults
//  2. Optional YAML overlay file (KEEPER_CONFIG_FILE)
//  3. Environment variables
//
// The assembled Config is validated with struct tags before the
// service starts; a misconfigured keeper fails fast instead of
// mutating a tree it cannot snapshot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all keeper service settings.
type Config struct {
	// Port is the HTTP API listen port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// TreeRoot is the configuration tree the keeper manages.
	TreeRoot string `yaml:"tree_root" validate:"required"`

	// DataDir holds keeper state: snapshot archives, the metadata
	// index, and log files. Must not live inside TreeRoot.
	DataDir string `yaml:"data_dir" validate:"required"`

	// HubURL is the websocket endpoint of the hub, e.g.
	// "ws://supervisor/core/websocket".
	HubURL string `yaml:"hub_url" validate:"required,uri"`

	// HubRESTURL is the hub's REST endpoint for calls the websocket
	// does not carry. Optional; derived from HubURL when empty.
	HubRESTURL string `yaml:"hub_rest_url" validate:"omitempty,uri"`

	// HubToken is the long-lived access token for the hub. Never
	// logged.
	HubToken string `yaml:"-" validate:"required"`

	// APIToken guards the keeper's own HTTP API in dev mode. When
	// SupervisorMode is true any non-empty bearer token is accepted
	// (the supervisor proxy has already authenticated the caller).
	APIToken string `yaml:"-"`

	// SupervisorMode indicates the keeper runs behind the hub's
	// supervisor proxy.
	SupervisorMode bool `yaml:"supervisor_mode"`

	// RetainSnapshots is the prune retention applied after every
	// committed mutation.
	RetainSnapshots int `yaml:"retain_snapshots" validate:"min=1"`

	// IgnorePatterns are doublestar globs excluded from snapshots.
	IgnorePatterns []string `yaml:"ignore_patterns"`

	// RequestTimeout bounds individual hub requests.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=1s"`

	// ValidateTimeout bounds a single configuration check.
	ValidateTimeout time.Duration `yaml:"validate_timeout" validate:"min=1s"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogDir enables JSON file logging when set.
	LogDir string `yaml:"log_dir"`

	// MetricsEnabled toggles the otel pipeline instruments and the
	// /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Defaults returns the compiled-in configuration.
//
// The ignore defaults mirror what must never be captured in a
// snapshot: runtime databases, logs, media, and secret material.
func Defaults() Config {
	return Config{
		Port:            8099,
		RetainSnapshots: 50,
		IgnorePatterns: []string{
			"**/*.db",
			"**/*.db-shm",
			"**/*.db-wal",
			"**/*.log",
			"**/*.log.*",
			".storage/**",
			".cloud/**",
			"deps/**",
			"tts/**",
			"media/**",
			"backups/**",
			"secrets.yaml",
		},
		RequestTimeout:  10 * time.Second,
		ValidateTimeout: 60 * time.Second,
		LogLevel:        "info",
		MetricsEnabled:  true,
	}
}

// Load assembles the configuration from defaults, the optional YAML
// overlay named by KEEPER_CONFIG_FILE, and environment variables, then
// validates it.
//
// # Environment Variables
//
//   - KEEPER_PORT: HTTP listen port
//   - KEEPER_TREE_ROOT: configuration tree root
//   - KEEPER_DATA_DIR: keeper state directory
//   - HUB_WEBSOCKET_URL: hub websocket endpoint
//   - HUB_REST_URL: hub REST endpoint
//   - SUPERVISOR_TOKEN: hub token (supervisor mode)
//   - HUB_TOKEN: hub token (dev mode)
//   - KEEPER_API_TOKEN: API bearer token (dev mode)
//   - KEEPER_RETAIN_SNAPSHOTS: prune retention
//   - KEEPER_LOG_LEVEL, KEEPER_LOG_DIR
//   - KEEPER_METRICS_ENABLED
//
// # Outputs
//
//   - Config: validated configuration.
//   - error: Non-nil if the overlay is unreadable or validation fails.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("KEEPER_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration with struct tags plus the
// cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.DataDir == c.TreeRoot {
		return fmt.Errorf("invalid configuration: data_dir must not equal tree_root")
	}
	return nil
}

// applyEnv overrides cfg fields from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("KEEPER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("KEEPER_TREE_ROOT"); v != "" {
		cfg.TreeRoot = v
	}
	if v := os.Getenv("KEEPER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HUB_WEBSOCKET_URL"); v != "" {
		cfg.HubURL = v
	}
	if v := os.Getenv("HUB_REST_URL"); v != "" {
		cfg.HubRESTURL = v
	}

	// Supervisor token wins; its presence also flips supervisor mode.
	if v := os.Getenv("SUPERVISOR_TOKEN"); v != "" {
		cfg.HubToken = v
		cfg.SupervisorMode = true
	} else if v := os.Getenv("HUB_TOKEN"); v != "" {
		cfg.HubToken = v
	}

	if v := os.Getenv("KEEPER_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("KEEPER_RETAIN_SNAPSHOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetainSnapshots = n
		}
	}
	if v := os.Getenv("KEEPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KEEPER_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("KEEPER_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = b
		}
	}
}
