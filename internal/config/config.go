// Copyright 2025 The Vigil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigil-sh/vigil/pkg/errors"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// MaxConcurrentWorkflows bounds the dispatch worker pool.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`

	// MaxConcurrentSteps bounds parallel steps within a run.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`

	// DetectionInterval is the change-detector sweep period.
	DetectionInterval time.Duration `yaml:"detection_interval"`

	// RetentionDays bounds how long runs and acknowledged changes are
	// kept.
	RetentionDays int `yaml:"retention_days"`

	// ExportDir constrains relative export destinations.
	ExportDir string `yaml:"export_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:                 "127.0.0.1:8844",
		DatabasePath:           "vigil.db",
		MaxConcurrentWorkflows: 10,
		MaxConcurrentSteps:     3,
		DetectionInterval:      time.Minute,
		RetentionDays:          30,
	}
}

// fileConfig is the YAML shape; durations are strings so the file can
// say "30s" or "5m".
type fileConfig struct {
	Listen                 string `yaml:"listen"`
	DatabasePath           string `yaml:"database_path"`
	MaxConcurrentWorkflows int    `yaml:"max_concurrent_workflows"`
	MaxConcurrentSteps     int    `yaml:"max_concurrent_steps"`
	DetectionInterval      string `yaml:"detection_interval"`
	RetentionDays          int    `yaml:"retention_days"`
	ExportDir              string `yaml:"export_dir"`
}

// Load reads the YAML file (when path is non-empty), then applies
// environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, &errors.ValidationError{
				Field:   "config",
				Message: fmt.Sprintf("invalid YAML in %s: %v", path, err),
			}
		}
		if file.Listen != "" {
			cfg.Listen = file.Listen
		}
		if file.DatabasePath != "" {
			cfg.DatabasePath = file.DatabasePath
		}
		if file.MaxConcurrentWorkflows > 0 {
			cfg.MaxConcurrentWorkflows = file.MaxConcurrentWorkflows
		}
		if file.MaxConcurrentSteps > 0 {
			cfg.MaxConcurrentSteps = file.MaxConcurrentSteps
		}
		if file.DetectionInterval != "" {
			d, err := time.ParseDuration(file.DetectionInterval)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:   "detection_interval",
					Message: fmt.Sprintf("invalid duration %q", file.DetectionInterval),
				}
			}
			cfg.DetectionInterval = d
		}
		if file.RetentionDays > 0 {
			cfg.RetentionDays = file.RetentionDays
		}
		if file.ExportDir != "" {
			cfg.ExportDir = file.ExportDir
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from VIGIL_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VIGIL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("VIGIL_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("VIGIL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("VIGIL_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("VIGIL_EXPORT_DIR"); v != "" {
		cfg.ExportDir = v
	}
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return &errors.ValidationError{Field: "listen", Message: "listen address is required"}
	}
	if c.DatabasePath == "" {
		return &errors.ValidationError{Field: "database_path", Message: "database path is required"}
	}
	if c.MaxConcurrentWorkflows <= 0 {
		return &errors.ValidationError{Field: "max_concurrent_workflows", Message: "must be positive"}
	}
	if c.MaxConcurrentSteps <= 0 {
		return &errors.ValidationError{Field: "max_concurrent_steps", Message: "must be positive"}
	}
	if c.RetentionDays <= 0 {
		return &errors.ValidationError{Field: "retention_days", Message: "must be positive"}
	}
	return nil
}
