// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"testing"

	"golang.org/x/sys/unix"
)

// pipeFDs returns a pipe pair the test can sacrifice to close() calls.
func pipeFDs(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return fds[0], fds[1]
}

func TestInflightAddGetStrict(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, _ := newTestThread(t, e, p)

	r, w := pipeFDs(t)
	defer unix.Close(r)

	if slot := thread.AddInflightFD(700, w); slot < 0 {
		t.Fatalf("add: got slot %d", slot)
	}
	if got := e.GetInflightFD(thread, 700); got != w {
		t.Fatalf("get: got %d, want %d", got, w)
	}
	// The entry was purged.
	if got := e.GetInflightFD(thread, 700); got != -1 {
		t.Fatalf("second get: got %d, want -1", got)
	}
	unix.Close(w)
}

func TestInflightReplaceClosesOldServerFD(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, _ := newTestThread(t, e, p)

	r1, w1 := pipeFDs(t)
	r2, w2 := pipeFDs(t)
	defer unix.Close(r1)
	defer unix.Close(r2)
	defer unix.Close(w2)

	thread.AddInflightFD(700, w1)
	thread.AddInflightFD(700, w2)

	// w1 must have been closed by the replacement.
	if _, err := unix.Write(w1, []byte{0}); err == nil {
		t.Error("old server fd still open after replacement")
	}
	if got := e.GetInflightFD(thread, 700); got != w2 {
		t.Errorf("get after replace: got %d, want %d", got, w2)
	}
}

func TestInflightTableBounds(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, _ := newTestThread(t, e, p)

	if got := thread.AddInflightFD(-1, 700); got != -1 {
		t.Errorf("add with no client fd: got %d, want -1", got)
	}
	if got := thread.AddInflightFD(700, -1); got != -1 {
		t.Errorf("add with no server fd: got %d, want -1", got)
	}

	for i := 0; i < MaxInflightFDs; i++ {
		if got := thread.AddInflightFD(1000+i, 2000+i); got != i {
			t.Fatalf("slot %d: got %d", i, got)
		}
	}
	if got := thread.AddInflightFD(999, 1999); got != -1 {
		t.Errorf("full table accepted another entry: slot %d", got)
	}
	thread.closeInflight()
}

func TestInflightDupStrategy(t *testing.T) {
	e, _ := newTestEngine(t, WithInflightDup())
	p := newTestProcess(t)
	thread, _ := newTestThread(t, e, p)

	r, w := pipeFDs(t)
	defer unix.Close(r)
	defer unix.Close(w)

	// A miss synthesizes a server fd by dup()ing the client fd, and the
	// synthesized fd stays cached.
	dup := e.GetInflightFD(thread, w)
	if dup == -1 || dup == w {
		t.Fatalf("dup strategy: got %d", dup)
	}
	if got := e.GetInflightFD(thread, w); got != dup {
		t.Errorf("cached dup not returned: got %d, want %d", got, dup)
	}
	unix.Close(dup)
}
