// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"errors"

	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"

	"github.com/steelcowboy/longene/ntstatus"
)

// threadWait is one level of a thread's wait stack, allocated when the
// thread enters a multi-object wait. The entries array links the thread
// into each waited object's queue; entry and queue reference each other
// for the lifetime of the wait.
type threadWait struct {
	next    *threadWait // older, nested wait
	thread  *Thread
	count   int
	flags   int
	cookie  uint64
	timeout Abstime
	timer   *TimeoutUser
	entries []WaitEntry
}

// keepWaiting is the check_wait verdict meaning no definite outcome yet.
const keepWaiting = -1

// waitOn builds the wait record for the current thread and queues it on
// every object. A failed add_queue rolls back the entries queued so far by
// shrinking the effective count and ending the wait.
func (e *Engine) waitOn(t *Thread, objects []Object, flags int, timeout Abstime) bool {
	w := &threadWait{
		next:    t.wait,
		thread:  t,
		count:   len(objects),
		flags:   flags,
		timeout: timeout,
		entries: make([]WaitEntry, len(objects)),
	}
	t.wait = w
	for i, obj := range objects {
		w.entries[i].thread = t
		if !addQueue(obj, &w.entries[i]) {
			w.count = i
			e.endWait(t)
			return false
		}
	}
	return true
}

// endWait pops the thread's top wait record, unlinking every queued entry
// and cancelling the timer if armed.
func (e *Engine) endWait(t *Thread) {
	w := t.wait
	t.wait = w.next
	for i := 0; i < w.count; i++ {
		entry := &w.entries[i]
		removeQueue(entry.obj, entry)
	}
	if w.timer != nil {
		e.RemoveTimeout(w.timer)
		w.timer = nil
	}
}

// checkWait evaluates the thread's top wait. The verdict is the signaled
// index (possibly offset by ABANDONED_WAIT_0), a status code, or
// keepWaiting. Precedence:
//
//  1. system APC pending on an interruptible wait
//  2. suspension defers everything else
//  3. wait-all / wait-any object checks
//  4. user APC pending on an alertable wait
//  5. deadline
func (e *Engine) checkWait(t *Thread) int {
	w := t.wait

	if w.flags&SelectInterruptible != 0 && t.systemAPC.Len() != 0 {
		return int(ntstatus.UserAPC)
	}

	// Suspended threads may not acquire locks, but they can run system APCs.
	if t.process.SuspendCount()+t.suspend > 0 {
		return keepWaiting
	}

	if w.flags&SelectAll != 0 {
		allSignaled := true
		// All objects must be consulted even on mismatch: some objects
		// observe the probe.
		for i := 0; i < w.count; i++ {
			if !w.entries[i].obj.Signaled(t) {
				allSignaled = false
			}
		}
		if allSignaled {
			verdict := 0
			for i := 0; i < w.count; i++ {
				if satisfied(w.entries[i].obj, t) {
					verdict = int(ntstatus.AbandonedWait0)
				}
			}
			return verdict
		}
	} else {
		for i := 0; i < w.count; i++ {
			if !w.entries[i].obj.Signaled(t) {
				continue
			}
			if satisfied(w.entries[i].obj, t) {
				return i + int(ntstatus.AbandonedWait0)
			}
			return i
		}
	}

	if w.flags&SelectAlertable != 0 && t.userAPC.Len() != 0 {
		return int(ntstatus.UserAPC)
	}
	if w.timeout <= e.currentTime {
		return int(ntstatus.Timeout)
	}
	return keepWaiting
}

// sendThreadWakeup writes the wake record. A short write is corrupt
// protocol state; EPIPE is the client dying normally and triggers a
// non-violent kill. Returns false on any failure.
func (e *Engine) sendThreadWakeup(t *Thread, cookie uint64, signaled int32) bool {
	if t.wakeFD == nil {
		return false
	}
	buf := WakeReply{Cookie: cookie, Signaled: signaled}.Encode()
	n, err := t.wakeFD.Write(buf)
	switch {
	case err == nil && n == WakeReplySize:
		return true
	case err == nil:
		e.fatalProtocolError(t, "partial wakeup write %d", n)
	case errors.Is(err, unix.EPIPE):
		e.KillThread(t, false) // normal death
	default:
		e.fatalProtocolError(t, "write: %v", err)
	}
	return false
}

// wakeThread attempts to wake a thread, popping one wait per definite
// verdict to support nested waits. Returns the number of wake records
// delivered; a wait whose wake record could not be written is ended but not
// counted, and the loop stops there.
func (e *Engine) wakeThread(t *Thread) int {
	count := 0
	for t.wait != nil {
		verdict := e.checkWait(t)
		if verdict == keepWaiting {
			break
		}
		cookie := t.wait.cookie
		vlog.VI(1).Infof("%04x: *wakeup* signaled=%d", t.id, verdict)
		e.endWait(t)
		if !e.sendThreadWakeup(t, cookie, int32(verdict)) {
			break
		}
		count++
	}
	return count
}

// WakeThread is the exported wake entry for collaborating object modules.
func (e *Engine) WakeThread(t *Thread) int { return e.wakeThread(t) }

// threadTimeout runs when a wait's deadline elapses. A stale pointer (the
// wait is no longer on top) means the wait already ended; a suspended
// thread swallows the timeout and keeps the wait installed until resume.
func (e *Engine) threadTimeout(w *threadWait) {
	t := w.thread
	w.timer = nil
	if t.wait != w {
		return
	}
	if t.suspend+t.process.SuspendCount() > 0 {
		return
	}
	cookie := w.cookie
	vlog.VI(1).Infof("%04x: *wakeup* signaled=TIMEOUT", t.id)
	e.endWait(t)
	if !e.sendThreadWakeup(t, cookie, int32(ntstatus.Timeout)) {
		return
	}
	// Check if other objects have become signaled in the meantime.
	e.wakeThread(t)
}

// WakeUp walks the object's wait queue waking threads in insertion order.
// A successful wake can mutate the queue, so the walk restarts at the head
// after each one; max > 0 bounds the number of successful wakes.
func (e *Engine) WakeUp(obj Object, max int) {
	q := &obj.Base().waitQueue
	restart := true
	for restart {
		restart = false
		for el := q.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*WaitEntry)
			if e.wakeThread(entry.thread) == 0 {
				continue
			}
			if max > 0 {
				if max--; max == 0 {
					return
				}
			}
			restart = true
			break
		}
	}
}
