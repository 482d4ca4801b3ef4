// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor exposes a read-only diagnostics endpoint for the thread
// core: GET /threads returns one snapshot as JSON, and a websocket upgrade
// on /watch streams a snapshot frame per interval until the peer goes
// away.
package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"v.io/x/lib/vlog"

	"github.com/steelcowboy/longene/server"
)

const bufferSize = 4096

// Source produces diagnostics rows. It must be safe to call from the
// monitor's goroutines; hosts that keep the engine single-threaded funnel
// the call through their dispatcher.
type Source func() []server.ThreadDiag

// Monitor serves the diagnostics endpoints.
type Monitor struct {
	source   Source
	interval time.Duration
	upgrader websocket.Upgrader
}

// New returns a monitor streaming snapshots from source every interval.
func New(source Source, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		source:   source,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
		},
	}
}

// Handler returns the monitor's mux.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/threads", m.serveSnapshot)
	mux.HandleFunc("/watch", m.serveWatch)
	return mux
}

func (m *Monitor) serveSnapshot(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.source()); err != nil {
		vlog.VI(1).Infof("monitor: encode snapshot: %v", err)
	}
}

func (m *Monitor) serveWatch(w http.ResponseWriter, req *http.Request) {
	ws, err := m.upgrader.Upgrade(w, req, nil)
	if err != nil {
		vlog.Errorf("monitor: websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	// Drain control frames so pongs and the peer's close are processed.
	go func() {
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if err := ws.WriteJSON(m.source()); err != nil {
			vlog.VI(1).Infof("monitor: watcher gone: %v", err)
			return
		}
		<-ticker.C
	}
}
