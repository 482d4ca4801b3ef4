// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// The in-flight cache reconciles descriptor numbers across the IPC
// boundary: entries pair an fd numbered in the client's namespace with its
// server-side materialization.

type inflightFD struct {
	client int
	server int
}

// AddInflightFD records a (client, server) pair on the thread, replacing an
// existing entry for the same client fd (the superseded server fd is
// closed). Returns the slot index, or -1 when the table is full or the
// pair is unusable.
func (t *Thread) AddInflightFD(client, server int) int {
	if server == -1 {
		return -1
	}
	if client == -1 {
		unix.Close(server)
		return -1
	}
	for i := range t.inflight {
		if t.inflight[i].client == client {
			unix.Close(t.inflight[i].server)
			t.inflight[i].server = server
			return i
		}
	}
	for i := range t.inflight {
		if t.inflight[i].client == -1 {
			t.inflight[i] = inflightFD{client: client, server: server}
			return i
		}
	}
	return -1
}

// GetInflightFD removes and returns the server fd paired with a client fd.
// On a miss the behavior depends on the engine's strategy: the strict
// variant reports -1, the dup variant synthesizes a server fd by
// duplicating the client fd locally (valid only when client and server
// share an fd table) and records it before returning.
func (e *Engine) GetInflightFD(t *Thread, client int) int {
	if client == -1 {
		return -1
	}
	for i := range t.inflight {
		if t.inflight[i].client == client {
			server := t.inflight[i].server
			t.inflight[i] = inflightFD{client: -1, server: -1}
			return server
		}
	}
	if !e.inflightDup {
		return -1
	}
	server, err := unix.Dup(client)
	if err != nil {
		vlog.Errorf("dup inflight fd %d: %v", client, err)
		return -1
	}
	t.AddInflightFD(client, server)
	return server
}

// closeInflight drops every cached server fd; part of thread cleanup.
func (t *Thread) closeInflight() {
	for i := range t.inflight {
		if t.inflight[i].client != -1 {
			unix.Close(t.inflight[i].server)
			t.inflight[i] = inflightFD{client: -1, server: -1}
		}
	}
}
