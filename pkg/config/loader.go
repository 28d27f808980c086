// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// YAMLLoader loads gateway configuration from a YAML file.
type YAMLLoader struct {
	path string
}

// NewYAMLLoader creates a loader for the given config file path.
func NewYAMLLoader(path string) *YAMLLoader {
	return &YAMLLoader{path: path}
}

// Load reads, decodes, and defaults the configuration. The result is not
// yet validated; call Validator.Validate on it.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}

	// Decode into a throwaway node first so syntax errors surface with
	// yaml's line/column positions instead of viper's flattened view.
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", l.path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", l.path, err)
	}

	cfg.EnsureDefaults()
	// EnsureDefaults keeps a zero port (ephemeral bind); a file that
	// simply omits the key still gets the default.
	if !v.IsSet("port") && cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration from path, or returns the full
// default configuration when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	return NewYAMLLoader(path).Load()
}
