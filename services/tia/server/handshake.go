// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HandshakeFile is where a running server announces itself, relative to
// the repository's git dir.
const HandshakeFile = "tia/server.json"

// ErrNoHandshake indicates no server has announced itself for a repository.
var ErrNoHandshake = errors.New("no impact server running for this repository")

// Handshake tells build steps where the repository's server listens.
type Handshake struct {
	Addr    string    `json:"addr"`
	Port    int       `json:"port"`
	PID     int       `json:"pid"`
	Root    string    `json:"root"`
	Started time.Time `json:"started"`
}

// WriteHandshake publishes h under gitDir. The file is replaced atomically
// so readers never see a partial write.
func WriteHandshake(gitDir string, h Handshake) error {
	path := filepath.Join(gitDir, HandshakeFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create handshake dir: %w", err)
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".server-*.json")
	if err != nil {
		return fmt.Errorf("create handshake: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write handshake: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write handshake: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads the handshake under gitDir.
//
// # Outputs
//
//   - Handshake: The announced server.
//   - error: ErrNoHandshake when absent, or a read or parse failure.
func ReadHandshake(gitDir string) (Handshake, error) {
	data, err := os.ReadFile(filepath.Join(gitDir, HandshakeFile))
	if errors.Is(err, os.ErrNotExist) {
		return Handshake{}, ErrNoHandshake
	}
	if err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return Handshake{}, fmt.Errorf("parse handshake: %w", err)
	}
	return h, nil
}

// RemoveHandshake deletes the handshake if it still names addr, so a newer
// server's announcement is never removed by an older one shutting down.
func RemoveHandshake(gitDir, addr string) error {
	h, err := ReadHandshake(gitDir)
	if errors.Is(err, ErrNoHandshake) {
		return nil
	}
	if err != nil {
		return err
	}
	if h.Addr != addr {
		return nil
	}
	if err := os.Remove(filepath.Join(gitDir, HandshakeFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove handshake: %w", err)
	}
	return nil
}
