// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/steelcowboy/longene/ntstatus"
)

// fakeWake collects the records written on a thread's wake channel.
type fakeWake struct {
	replies []WakeReply
	err     error // forced write error
	closed  bool
}

func (c *fakeWake) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	r, ok := DecodeWakeReply(p)
	if !ok {
		return len(p) / 2, nil // force a short-write protocol error
	}
	c.replies = append(c.replies, r)
	return len(p), nil
}

func (c *fakeWake) Close() error {
	c.closed = true
	return nil
}

type sentSignal struct {
	pid, tid int
	sig      unix.Signal
}

// fakeSignals records kick signals instead of delivering them.
type fakeSignals struct {
	sent []sentSignal
	fail bool
}

func (s *fakeSignals) Signal(pid, tid int, sig unix.Signal) bool {
	if s.fail {
		return false
	}
	s.sent = append(s.sent, sentSignal{pid, tid, sig})
	return true
}

func (s *fakeSignals) count(sig unix.Signal) int {
	n := 0
	for _, sent := range s.sent {
		if sent.sig == sig {
			n++
		}
	}
	return n
}

// fakeChannels adopts fds as fakeWake channels, recording the fd numbers.
type fakeChannels struct {
	adopted []int
}

func (f *fakeChannels) New(fd int) (Channel, error) {
	f.adopted = append(f.adopted, fd)
	return &fakeWake{}, nil
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeSignals) {
	t.Helper()
	signals := &fakeSignals{}
	opts = append([]Option{WithHooks(Hooks{Signals: signals, Channels: &fakeChannels{}})}, opts...)
	return NewEngine(opts...), signals
}

var nextTestPID uint32 = 0x20

func newTestProcess(t *testing.T) *BasicProcess {
	t.Helper()
	nextTestPID += 4
	return NewBasicProcess(nextTestPID)
}

// newTestThread creates an initialized thread: known OS ids, a recording
// wake channel, and its process marked init-done.
func newTestThread(t *testing.T, e *Engine, p *BasicProcess) (*Thread, *fakeWake) {
	t.Helper()
	thread, err := e.CreateThread(nil, p)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	thread.unixPID = int(p.ID())
	thread.unixTID = int(thread.id)
	e.indexThread(thread)
	wake := &fakeWake{}
	thread.wakeFD = wake
	if !p.InitDone() {
		p.InitFirstThread(thread, 0x1000, CPUx8664)
	}
	return thread, wake
}

func mustHandle(t *testing.T, p *BasicProcess, obj Object, access uint32) Handle {
	t.Helper()
	h, err := p.Handles().Alloc(obj, access, 0)
	if err != nil {
		t.Fatalf("Alloc handle failed: %v", err)
	}
	return h
}

// installWait parks the thread on the given objects via the select
// entrypoint and asserts it actually blocked.
func installWait(t *testing.T, e *Engine, thread *Thread, cookie uint64, flags int, timeout Abstime, handles ...Handle) {
	t.Helper()
	_, err := e.selectOn(thread, cookie, handles, flags, timeout, 0)
	if got, want := ntstatus.FromError(err), ntstatus.Pending; got != want {
		t.Fatalf("selectOn verdict: got %v, want %v", got, want)
	}
}
