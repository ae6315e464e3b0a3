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
	"os"
	"strconv"

	"github.com/AleutianAI/AleutianTIA/pkg/telemetry"
	"github.com/AleutianAI/AleutianTIA/services/tia/store"
)

// TIAConfig is the repository-level configuration read from .tia.yaml.
type TIAConfig struct {
	// Artifacts are the groupId:artifactId patterns naming reactor modules.
	// Empty means "<groupId>:*" of the module being prepared.
	Artifacts []string `yaml:"artifacts,omitempty"`

	Log       LogConfig        `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`   // e.g. ~/.tia/logs; empty disables file logs

	// JSON forces JSON console output. Otherwise serve picks JSON when
	// stderr is not a terminal.
	JSON bool `yaml:"json"`
}

type StoreConfig struct {
	MaxDepth int  `yaml:"max_depth"` // commits walked by lookups
	Cache    bool `yaml:"cache"`     // badger note cache under <git-dir>/tia/cache
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`       // e.g. 127.0.0.1:0
	WatchHead bool   `yaml:"watch_head"` // drop carry-over when HEAD moves
}

// DefaultConfig returns the configuration used when .tia.yaml is absent.
//
// Environment variables override defaults:
//   - TIA_LOG_LEVEL, TIA_LOG_DIR, TIA_LOG_JSON
//   - TIA_MAX_DEPTH
//   - TIA_SERVER_ADDR
//   - the telemetry variables read by telemetry.DefaultConfig
func DefaultConfig() TIAConfig {
	return TIAConfig{
		Log: LogConfig{
			Level: getEnvOr("TIA_LOG_LEVEL", "info"),
			Dir:   os.Getenv("TIA_LOG_DIR"),
			JSON:  getEnvBool("TIA_LOG_JSON", false),
		},
		Store: StoreConfig{
			MaxDepth: getEnvInt("TIA_MAX_DEPTH", store.DefaultMaxDepth),
			Cache:    true,
		},
		Server: ServerConfig{
			Addr:      getEnvOr("TIA_SERVER_ADDR", "127.0.0.1:0"),
			WatchHead: true,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}
