// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/steelcowboy/longene/server"
)

func testSource() []server.ThreadDiag {
	return []server.ThreadDiag{
		{ID: 8, PID: 4, UnixPID: 1234, Priority: 2, Waiting: true},
		{ID: 12, PID: 4, UnixPID: 1234},
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(testSource, time.Second).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/threads")
	if err != nil {
		t.Fatalf("GET /threads: %v", err)
	}
	defer resp.Body.Close()
	if got, want := resp.Header.Get("Content-Type"), "application/json"; got != want {
		t.Errorf("content type: got %q, want %q", got, want)
	}
	var rows []server.ThreadDiag
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != 8 || !rows[0].Waiting {
		t.Errorf("rows: got %+v", rows)
	}
}

func TestWatchStreamsFrames(t *testing.T) {
	srv := httptest.NewServer(New(testSource, 10*time.Millisecond).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	for i := 0; i < 2; i++ {
		var rows []server.ThreadDiag
		ws.SetReadDeadline(time.Now().Add(time.Second))
		if err := ws.ReadJSON(&rows); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(rows) != 2 {
			t.Fatalf("frame %d: got %d rows, want 2", i, len(rows))
		}
	}
}
