// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"testing"

	"github.com/steelcowboy/longene/ntstatus"
)

func TestSignalAndWaitSelfSatisfy(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, wake := newTestThread(t, e, p)

	sem, err := e.NewSemaphore("sem", 0, 1)
	if err != nil {
		t.Fatalf("NewSemaphore: %v", err)
	}
	h := mustHandle(t, p, sem, Synchronize|SemaphoreModifyState)

	var reply SelectReply
	err = e.Select(thread, &SelectRequest{
		Cookie:  0x1234,
		Handles: []Handle{h},
		Signal:  h,
		Timeout: TimeoutInfinite,
	}, &reply)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	// The self-signal satisfied the wait: the verdict went out on the wake
	// channel with the recorded cookie, and the count was consumed again.
	if len(wake.replies) != 1 {
		t.Fatalf("wake replies: got %d, want 1", len(wake.replies))
	}
	if got := wake.replies[0]; got.Cookie != 0x1234 || got.Signaled != 0 {
		t.Errorf("wake: got {%#x %d}, want {0x1234 0}", got.Cookie, got.Signaled)
	}
	if got := sem.Count(); got != 0 {
		t.Errorf("semaphore count: got %d, want 0", got)
	}
	if thread.wait != nil {
		t.Error("wait still installed")
	}
}

func TestWaitAllReportsAbandoned(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	dying, _ := newTestThread(t, e, p)
	waiter, wake := newTestThread(t, e, p)

	m := e.NewMutex("m", dying)
	ev := e.NewEvent("ev", true, true)
	hm := mustHandle(t, p, m, Synchronize)
	he := mustHandle(t, p, ev, Synchronize)

	installWait(t, e, waiter, 0x2, SelectAll, TimeoutInfinite, hm, he)

	e.KillThread(dying, false)

	if len(wake.replies) != 1 {
		t.Fatalf("wake replies: got %d, want 1", len(wake.replies))
	}
	if got, want := wake.replies[0].Signaled, int32(ntstatus.AbandonedWait0); got != want {
		t.Errorf("signaled: got %d, want %d (ABANDONED_WAIT_0)", got, want)
	}
	if m.Owner() != waiter {
		t.Error("mutex ownership did not transfer to the waiter")
	}
	if m.IsAbandoned() {
		t.Error("abandoned state reported more than once")
	}
}

func TestWaitAnyReturnsFirstSignaledIndex(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, wake := newTestThread(t, e, p)

	e0 := e.NewEvent("e0", true, false)
	e1 := e.NewEvent("e1", true, false)
	h0 := mustHandle(t, p, e0, Synchronize)
	h1 := mustHandle(t, p, e1, Synchronize)

	installWait(t, e, thread, 0x5, 0, TimeoutInfinite, h0, h1)
	e1.Set()

	if len(wake.replies) != 1 {
		t.Fatalf("wake replies: got %d, want 1", len(wake.replies))
	}
	if got := wake.replies[0].Signaled; got != 1 {
		t.Errorf("signaled index: got %d, want 1", got)
	}
}

func TestWaitAllProbesWithoutConsuming(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, _ := newTestThread(t, e, p)

	auto := e.NewEvent("auto", false, true) // auto-reset, set
	manual := e.NewEvent("manual", true, false)
	ha := mustHandle(t, p, auto, Synchronize)
	hm := mustHandle(t, p, manual, Synchronize)

	installWait(t, e, thread, 0x6, SelectAll, TimeoutInfinite, ha, hm)

	// The probe saw the auto event but the full wait was not granted, so
	// the event must not have been consumed.
	if !auto.Signaled(thread) {
		t.Fatal("auto-reset event consumed by an ungranted WAIT-ALL probe")
	}

	manual.Set()
	if auto.Signaled(thread) {
		t.Error("auto-reset event not consumed once the wait was granted")
	}
	if thread.wait != nil {
		t.Error("wait still installed after grant")
	}
}

func TestTimeoutDeterministicAtDeadlineTick(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, wake := newTestThread(t, e, p)
	waiter2, wake2 := newTestThread(t, e, p)

	e1 := e.NewEvent("e1", true, false)
	e2 := e.NewEvent("e2", true, false)
	h1 := mustHandle(t, p, e1, Synchronize)
	h2 := mustHandle(t, p, e2, Synchronize)

	deadline := e.Now() + 10e6 // 10ms
	installWait(t, e, thread, 0x9, 0, deadline, h1, h2)

	// The first dispatcher tick at the deadline produces TIMEOUT, even if
	// the event is signalled in the same tick.
	e.Tick(deadline)
	e1.Set()

	if len(wake.replies) != 1 {
		t.Fatalf("wake replies: got %d, want 1", len(wake.replies))
	}
	if got, want := wake.replies[0].Signaled, int32(ntstatus.Timeout); got != want {
		t.Errorf("signaled: got %d, want %d (TIMEOUT)", got, want)
	}

	// The later signal found no wait installed; a fresh waiter sees the
	// event immediately.
	_, err := e.selectOn(waiter2, 0xA, []Handle{mustHandle(t, p, e1, Synchronize)}, 0, TimeoutInfinite, 0)
	if got := ntstatus.FromError(err); got != ntstatus.Wait0 {
		t.Fatalf("second waiter verdict: got %v, want WAIT_0", got)
	}
	if len(wake2.replies) != 0 {
		t.Errorf("immediately satisfied wait also wrote a wake record")
	}
}

func TestSuspendedTimeoutSwallowed(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, wake := newTestThread(t, e, p)

	ev := e.NewEvent("ev", true, false)
	h := mustHandle(t, p, ev, Synchronize)

	deadline := e.Now() + 5e6
	installWait(t, e, thread, 0xB, 0, deadline, h)
	e.SuspendThread(thread)

	e.Tick(deadline + 1)
	if len(wake.replies) != 0 {
		t.Fatalf("suspended thread woke on timeout: %v", wake.replies)
	}
	if thread.wait == nil {
		t.Fatal("wait dropped while suspended")
	}

	// The wait persists until resume; the deadline has long passed by then.
	e.ResumeThread(thread)
	if len(wake.replies) != 1 {
		t.Fatalf("wake replies after resume: got %d, want 1", len(wake.replies))
	}
	if got, want := wake.replies[0].Signaled, int32(ntstatus.Timeout); got != want {
		t.Errorf("signaled: got %d, want %d (TIMEOUT)", got, want)
	}
}

func TestSuspendDefersLockButAllowsSystemAPC(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)
	thread, wake := newTestThread(t, e, p)

	m := e.NewMutex("m", nil) // free, signalled
	h := mustHandle(t, p, m, Synchronize)

	e.SuspendThread(thread)
	installWait(t, e, thread, 0xC, SelectInterruptible, TimeoutInfinite, h)

	if !e.ThreadQueueAPC(thread, nil, APCCall{Kind: APCVirtualAlloc}) {
		t.Fatal("system APC rejected")
	}

	if len(wake.replies) != 1 {
		t.Fatalf("wake replies: got %d, want 1", len(wake.replies))
	}
	if got, want := wake.replies[0].Signaled, int32(ntstatus.UserAPC); got != want {
		t.Errorf("signaled: got %d, want %d (USER_APC)", got, want)
	}
	// Suspension blocked the ownership transfer.
	if m.Owner() != nil {
		t.Errorf("mutex acquired by a suspended thread")
	}
}

func TestWakeUpBoundedFanOut(t *testing.T) {
	e, _ := newTestEngine(t)
	p := newTestProcess(t)

	sem, _ := e.NewSemaphore("sem", 0, 10)
	var wakes []*fakeWake
	for i := 0; i < 3; i++ {
		thread, wake := newTestThread(t, e, p)
		installWait(t, e, thread, uint64(i), 0, TimeoutInfinite, mustHandle(t, p, sem, Synchronize))
		wakes = append(wakes, wake)
	}

	// Release(2) wakes exactly the two oldest waiters, in insertion order.
	if _, err := sem.Release(2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for i, wake := range wakes {
		want := 1
		if i == 2 {
			want = 0
		}
		if got := len(wake.replies); got != want {
			t.Errorf("waiter %d replies: got %d, want %d", i, got, want)
		}
	}
	if got := sem.Count(); got != 0 {
		t.Errorf("semaphore count: got %d, want 0", got)
	}
}
