// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file looked up at the repository root.
	FileName = ".tia.yaml"

	// EnvFileName holds TIA_* and OTEL_* overrides, loaded before defaults
	// are computed. Variables already set in the environment win.
	EnvFileName = ".tia.env"
)

// ErrInvalidConfig indicates a config file that parsed but cannot be used.
var ErrInvalidConfig = errors.New("invalid tia config")

// Load reads the configuration for the repository at root.
//
// The env file is applied first so it can steer defaults, then the YAML
// file is layered over the defaults. Missing files are not an error.
func Load(root string) (TIAConfig, error) {
	envPath := filepath.Join(root, EnvFileName)
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return TIAConfig{}, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	cfg := DefaultConfig()
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return TIAConfig{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TIAConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return TIAConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that yaml cannot.
func (c TIAConfig) Validate() error {
	if _, err := digest.ParsePatterns(c.Artifacts); err != nil {
		return fmt.Errorf("%w: artifacts: %w", ErrInvalidConfig, err)
	}
	if c.Store.MaxDepth < 0 {
		return fmt.Errorf("%w: store.max_depth must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left alone and reported.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
