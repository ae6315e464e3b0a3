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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WatchInterval is how often a watch stream samples the service state.
const WatchInterval = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	// Only non-browser clients, which send no Origin, may watch.
	CheckOrigin: func(r *http.Request) bool {
		return r.Header.Get("Origin") == ""
	},
}

// HandleWatch handles GET /v1/tia/watch.
//
// The connection is upgraded to a websocket that receives a StateResponse
// immediately and then whenever the state changes, until the peer goes
// away or the server shuts down.
func (h *Handlers) HandleWatch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleWatch")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Failed to upgrade watch connection", "error", err)
		return
	}
	defer ws.Close()
	logger.Debug("Watch client connected")

	// Reads only detect the peer closing; watchers send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(WatchInterval)
	defer ticker.Stop()

	var last StateResponse
	first := true
	for {
		state := h.svc.State()
		if first || state != last {
			if err := ws.WriteJSON(state); err != nil {
				logger.Debug("Watch client write failed", "error", err)
				return
			}
			last, first = state, false
		}
		select {
		case <-gone:
			logger.Debug("Watch client disconnected")
			return
		case <-h.closing:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}

// closeWatchers ends every watch stream. Hijacked connections are not
// closed by http.Server.Shutdown, so Server calls this on shutdown.
func (h *Handlers) closeWatchers() {
	h.closeOnce.Do(func() { close(h.closing) })
}
