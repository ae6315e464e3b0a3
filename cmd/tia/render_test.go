// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTIA/services/tia/server"
	"github.com/stretchr/testify/assert"
)

func TestRenderStatus(t *testing.T) {
	var out bytes.Buffer
	renderStatus(&out, statusReport{
		Root:    "/repo",
		Health:  "healthy",
		Server:  &server.Handshake{Addr: "127.0.0.1:4711", PID: 42, Started: time.Unix(0, 0).UTC()},
		State:   &server.StateResponse{State: server.StateActive, PendingTests: 3},
		Records: 2,
	})
	got := out.String()
	assert.Contains(t, got, "tia status")
	assert.Contains(t, got, "/repo")
	assert.Contains(t, got, "127.0.0.1:4711 (pid 42)")
	assert.Contains(t, got, "pending")
	assert.Contains(t, got, "3")
}

func TestIsTerminal_Buffer(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
