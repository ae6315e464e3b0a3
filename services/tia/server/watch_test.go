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
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ServerCloseEndsStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	srv := New(f.svc, Config{})
	require.NoError(t, srv.Start(ctx))

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/v1/tia/watch", nil)
	require.NoError(t, err)
	defer ws.Close()

	var state StateResponse
	require.NoError(t, ws.ReadJSON(&state))
	assert.Equal(t, StateIdle, state.State)

	require.NoError(t, f.svc.AddReport(ctx, "A", "t1", nil))
	require.NoError(t, ws.ReadJSON(&state))
	assert.Equal(t, StateActive, state.State)

	closed := make(chan error, 1)
	go func() { closed <- srv.Close(ctx) }()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if err = ws.ReadJSON(&state); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err)
	assert.NoError(t, <-closed)
}

func TestWatch_RejectsBrowserOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	srv := New(f.svc, Config{})
	require.NoError(t, srv.Start(ctx))
	defer srv.Close(ctx)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/v1/tia/watch", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
