// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"container/list"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/steelcowboy/longene/ntstatus"
)

// APC is an asynchronous procedure call queued on a thread. It is a full
// object: clients can hold a handle to it and wait for execution, and the
// owner link is the coalescing and cancellation key.
type APC struct {
	ObjectBase
	engine   *Engine
	elem     *list.Element // queue position, nil when not queued
	caller   *Thread       // thread that queued it, set when it crosses processes
	owner    Object
	executed bool
	Call     APCCall
	Result   APCResult
}

// NewAPC allocates an APC carrying the given call. The owner, if any, is
// referenced for the APC's lifetime.
func (e *Engine) NewAPC(owner Object, call APCCall) *APC {
	apc := &APC{
		ObjectBase: NewObjectBase("apc"),
		engine:     e,
		owner:      owner,
		Call:       call,
	}
	apc.Result.Kind = APCNone
	if owner != nil {
		Grab(owner)
	}
	return apc
}

func (apc *APC) Dump(verbose bool) {
	fmt.Fprintf(os.Stderr, "APC owner=%p type=%s\n", apc.owner, apc.Call.Kind)
}

// Signaled: an APC object signals once the client has executed it (or it
// was cancelled).
func (apc *APC) Signaled(t *Thread) bool { return apc.executed }

// Executed reports whether the call has run (or been cancelled).
func (apc *APC) Executed() bool { return apc.executed }

// Owner returns the coalescing owner, if any.
func (apc *APC) Owner() Object { return apc.owner }

// Caller returns the queuing thread for cross-process APCs.
func (apc *APC) Caller() *Thread { return apc.caller }

func (apc *APC) Destroy() {
	if apc.caller != nil {
		Release(apc.caller)
	}
	if apc.owner != nil {
		Release(apc.owner)
	}
}

// apcQueue routes a call kind to the thread's user or system queue.
func apcQueue(t *Thread, kind APCKind) *list.List {
	if kind.IsUserKind() {
		return &t.userAPC
	}
	return &t.systemAPC
}

// isInAPCWait reports whether the thread is at a point where a system APC
// would be picked up without a kick: suspended, or blocked in an
// interruptible wait.
func isInAPCWait(t *Thread) bool {
	return t.process.SuspendCount() > 0 || t.suspend > 0 ||
		(t.wait != nil && t.wait.flags&SelectInterruptible != 0)
}

// queueAPC queues an existing APC to a thread, or to any suitable thread of
// process when t is nil. Returns false when no thread can take it.
func (e *Engine) queueAPC(process Process, t *Thread, apc *APC) bool {
	kicked := false
	if t == nil {
		// First try a thread already in an APC-acceptable wait.
		process.ForEachThread(func(candidate *Thread) bool {
			if candidate.state == Terminated {
				return true
			}
			if isInAPCWait(candidate) {
				t = candidate
				return false
			}
			return true
		})
		if t == nil {
			// Then the first one the kick signal reaches.
			process.ForEachThread(func(candidate *Thread) bool {
				if candidate.state != Terminated && e.sendThreadSignal(candidate, unix.SIGUSR1) {
					t = candidate
					kicked = true
					return false
				}
				return true
			})
		}
		if t == nil {
			return false
		}
	} else {
		if t.state == Terminated {
			return false
		}
		queue := apcQueue(t, apc.Call.Kind)
		// A system APC landing on an empty queue needs a kick unless the
		// thread is already at an acceptable point.
		if queue == &t.systemAPC && queue.Len() == 0 && !isInAPCWait(t) {
			if !e.sendThreadSignal(t, unix.SIGUSR1) {
				return false
			}
			kicked = true
		}
		// Coalesce: cancel a previous APC with the same owner.
		if apc.owner != nil {
			e.ThreadCancelAPC(t, apc.owner, apc.Call.Kind)
		}
	}

	queue := apcQueue(t, apc.Call.Kind)
	Grab(apc)
	apc.elem = queue.PushBack(apc)
	if queue.Len() == 1 {
		e.wakeThread(t)
	}
	// The kick interrupts a wait that check_wait alone would not end:
	// system APCs preempt even non-alertable waits.
	if kicked && t.wait != nil && t.systemAPC.Len() != 0 {
		cookie := t.wait.cookie
		e.endWait(t)
		e.sendThreadWakeup(t, cookie, int32(ntstatus.UserAPC))
	}
	return true
}

// ThreadQueueAPC creates and queues an APC on a specific thread.
func (e *Engine) ThreadQueueAPC(t *Thread, owner Object, call APCCall) bool {
	apc := e.NewAPC(owner, call)
	ok := e.queueAPC(nil, t, apc)
	Release(apc)
	return ok
}

// ThreadCancelAPC removes the first APC with the given owner from the
// routed queue, marking it executed and waking any joiner.
func (e *Engine) ThreadCancelAPC(t *Thread, owner Object, kind APCKind) {
	queue := apcQueue(t, kind)
	for el := queue.Front(); el != nil; el = el.Next() {
		apc := el.Value.(*APC)
		if apc.owner != owner {
			continue
		}
		queue.Remove(el)
		apc.elem = nil
		apc.executed = true
		e.WakeUp(apc, 0)
		Release(apc)
		return
	}
}

// threadDequeueAPC pops the next deliverable APC: the system queue first,
// then the user queue unless systemOnly. The caller owns the returned
// reference.
func (e *Engine) threadDequeueAPC(t *Thread, systemOnly bool) *APC {
	el := t.systemAPC.Front()
	queue := &t.systemAPC
	if el == nil && !systemOnly {
		el = t.userAPC.Front()
		queue = &t.userAPC
	}
	if el == nil {
		return nil
	}
	apc := el.Value.(*APC)
	queue.Remove(el)
	apc.elem = nil
	return apc
}

// clearAPCQueue flushes a queue at thread cleanup. Every cleared APC is
// marked executed and its joiners woken, preserving the wait contract for
// clients blocked on APC completion.
func (e *Engine) clearAPCQueue(queue *list.List) {
	for queue.Len() > 0 {
		el := queue.Front()
		apc := el.Value.(*APC)
		queue.Remove(el)
		apc.elem = nil
		apc.executed = true
		e.WakeUp(apc, 0)
		Release(apc)
	}
}
