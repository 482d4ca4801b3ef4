// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"container/list"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"

	"github.com/steelcowboy/longene/ntstatus"
)

// Channel is an owned fd-like handle to a polled transport. The three
// per-thread channels (request, reply, wake) all satisfy it; only the wake
// channel is written by the core.
type Channel interface {
	Write(p []byte) (int, error)
	Close() error
}

type runState int

const (
	// Running is the initial and only mutable state.
	Running runState = iota
	// Terminated is terminal; no APC may be queued, no wait installed, no
	// affinity changed once a thread reaches it.
	Terminated
)

// Thread is the per-client-thread state record.
type Thread struct {
	ObjectBase
	engine *Engine
	entry  *list.Element // position in the engine's global list

	process Process
	id      uint32
	teb     uint64
	entryPt uint64

	unixPID int // OS ids, -1 until init
	unixTID int

	state        runState
	exitCode     int32
	creationTime Abstime
	exitTime     Abstime

	priority int
	affinity Affinity
	suspend  int

	context        *Context
	suspendContext *Context
	debugBreak     bool

	requestFD Channel
	replyFD   Channel
	wakeFD    Channel

	wait      *threadWait
	mutexes   list.List // of Abandonable, held mutexes
	systemAPC list.List // of *APC
	userAPC   list.List // of *APC

	token Object

	inflight [MaxInflightFDs]inflightFD
}

// Abandonable is implemented by mutex-like objects a thread can hold; held
// objects are abandoned when the owner dies without releasing them.
type Abandonable interface {
	Object
	Abandon(owner *Thread)
}

// CreateThread allocates a thread in the given process. The request channel
// is adopted. Fails with STATUS_PROCESS_IS_TERMINATING when the process is
// already exiting; any later allocation failure rolls the thread back
// through the normal release path.
func (e *Engine) CreateThread(requestFD Channel, process Process) (*Thread, error) {
	if process.IsTerminating() {
		return nil, ntstatus.ProcessIsTerminating
	}
	t := &Thread{
		ObjectBase:   NewObjectBase("thread"),
		engine:       e,
		process:      Grab(process).(Process),
		unixPID:      -1,
		unixTID:      -1,
		affinity:     process.Affinity(),
		creationTime: e.currentTime,
	}
	for i := range t.inflight {
		t.inflight[i] = inflightFD{client: -1, server: -1}
	}
	t.entry = e.threadList.PushFront(t)
	if t.id = e.ptids.alloc(t); t.id == 0 {
		Release(t)
		return nil, ntstatus.Unsuccessful
	}
	t.ObjectBase.name = fmt.Sprintf("thread-%04x", t.id)
	t.requestFD = requestFD
	process.AttachThread(t)
	return t, nil
}

// ID returns the thread's internal id.
func (t *Thread) ID() uint32 { return t.id }

// Process returns the owning process without taking a reference.
func (t *Thread) Process() Process { return t.process }

// UnixPID returns the client OS pid, -1 before init.
func (t *Thread) UnixPID() int { return t.unixPID }

// UnixTID returns the client OS tid, -1 before init.
func (t *Thread) UnixTID() int { return t.unixTID }

// TEB returns the client TEB address recorded at init.
func (t *Thread) TEB() uint64 { return t.teb }

// Terminated reports whether the thread has terminated.
func (t *Thread) Terminated() bool { return t.state == Terminated }

// Priority returns the scheduling priority.
func (t *Thread) Priority() int { return t.priority }

// Affinity returns the thread's CPU mask.
func (t *Thread) Affinity() Affinity { return t.affinity }

// SuspendCount returns the thread-level suspend counter.
func (t *Thread) SuspendCount() int { return t.suspend }

// ExitCode returns the recorded exit code.
func (t *Thread) ExitCode() int32 { return t.exitCode }

// SetExitCode records the exit code delivered at termination.
func (t *Thread) SetExitCode(code int32) { t.exitCode = code }

// CreationTime and ExitTime are dispatcher-clock stamps.
func (t *Thread) CreationTime() Abstime { return t.creationTime }
func (t *Thread) ExitTime() Abstime     { return t.exitTime }

// WakeChannel returns the wake transport, nil before init.
func (t *Thread) WakeChannel() Channel { return t.wakeFD }

// Dump implements the thread's dump operation.
func (t *Thread) Dump(verbose bool) {
	fmt.Fprintf(os.Stderr, "Thread id=%04x unix pid=%d unix tid=%d state=%d\n",
		t.id, t.unixPID, t.unixTID, t.state)
	if verbose {
		t.ObjectBase.Dump(true)
	}
}

// Signaled: a thread object signals once it has terminated, so joiners
// waiting on the thread wake at kill time.
func (t *Thread) Signaled(waiter *Thread) bool { return t.state == Terminated }

// MapAccess maps generic bits to thread rights.
func (t *Thread) MapAccess(access uint32) uint32 { return MapThreadAccess(access) }

// Destroy runs when the last reference drops. Cleanup is idempotent with
// the kill path.
func (t *Thread) Destroy() {
	e := t.engine
	e.threadList.Remove(t.entry)
	e.unindexThread(t)
	e.cleanupThread(t)
	Release(t.process)
	if t.id != 0 {
		e.ptids.free(t.id)
	}
	if t.token != nil {
		Release(t.token)
	}
}

// cleanupThread releases everything a dead thread no longer needs. Invoked
// at kill time while references remain, and again at destruction.
func (e *Engine) cleanupThread(t *Thread) {
	e.clearAPCQueue(&t.systemAPC)
	e.clearAPCQueue(&t.userAPC)
	for _, ch := range []Channel{t.requestFD, t.replyFD, t.wakeFD} {
		if ch != nil {
			ch.Close()
		}
	}
	t.requestFD, t.replyFD, t.wakeFD = nil, nil, nil
	t.context = nil
	t.suspendContext = nil
	t.closeInflight()
}

// GetThreadFromID resolves an internal id to a thread and grants a fresh
// reference.
func (e *Engine) GetThreadFromID(id uint32) (*Thread, error) {
	if t, ok := e.ptids.get(id).(*Thread); ok {
		return Grab(t).(*Thread), nil
	}
	return nil, ntstatus.InvalidCid
}

// GetThreadFromUnixTID walks the registry for a thread with the given OS
// tid. No reference is granted.
func (e *Engine) GetThreadFromUnixTID(tid int) *Thread {
	for el := e.threadList.Front(); el != nil; el = el.Next() {
		if t := el.Value.(*Thread); t.unixTID == tid {
			return t
		}
	}
	return nil
}

// GetThreadFromUnixPID returns a thread of the process with the given OS
// pid, consulting the index under a reader lock. No reference is granted.
func (e *Engine) GetThreadFromUnixPID(pid int) *Thread {
	e.pidIndexMu.RLock()
	defer e.pidIndexMu.RUnlock()
	if ts := e.pidIndex[pid]; len(ts) > 0 {
		return ts[0]
	}
	return nil
}

func (e *Engine) indexThread(t *Thread) {
	if t.unixPID == -1 {
		return
	}
	e.pidIndexMu.Lock()
	e.pidIndex[t.unixPID] = append(e.pidIndex[t.unixPID], t)
	e.pidIndexMu.Unlock()
}

func (e *Engine) unindexThread(t *Thread) {
	if t.unixPID == -1 {
		return
	}
	e.pidIndexMu.Lock()
	ts := e.pidIndex[t.unixPID]
	for i, other := range ts {
		if other == t {
			ts = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	if len(ts) == 0 {
		delete(e.pidIndex, t.unixPID)
	} else {
		e.pidIndex[t.unixPID] = ts
	}
	e.pidIndexMu.Unlock()
}

// threadFromHandle resolves a handle in the current process under the given
// access; the caller releases the returned thread.
func threadFromHandle(current *Thread, h Handle, access uint32) (*Thread, error) {
	obj, err := current.process.Handles().Get(h, access)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*Thread)
	if !ok {
		Release(obj)
		return nil, ntstatus.InvalidHandle
	}
	return t, nil
}

// SetThreadAffinity propagates a new mask to the OS scheduler and records
// it on success.
func (e *Engine) SetThreadAffinity(t *Thread, affinity Affinity) error {
	if e.hooks.Sched != nil && t.unixTID != -1 {
		if err := e.hooks.Sched.SetAffinity(t.unixTID, affinity); err != nil {
			return err
		}
	}
	t.affinity = affinity
	return nil
}

// ThreadAffinity reads the OS-level mask, falling back to all CPUs.
func (e *Engine) ThreadAffinity(t *Thread) Affinity {
	if e.hooks.Sched != nil && t.unixTID != -1 {
		if mask, err := e.hooks.Sched.GetAffinity(t.unixTID); err == nil && mask != 0 {
			return mask
		}
	}
	return ^Affinity(0)
}

// stopThread stops the OS thread behind t. No signal is needed while the
// thread is inside a debug event, and none may be sent before process init
// completes.
func (e *Engine) stopThread(t *Thread) {
	if t.context != nil {
		return
	}
	if t.process.InitDone() {
		e.sendThreadSignal(t, unix.SIGUSR1)
	}
}

// StopThreadIfSuspended re-stops a thread whose effective suspend count is
// positive, used when a captured context is handed back.
func (e *Engine) StopThreadIfSuspended(t *Thread) {
	if t.suspend+t.process.SuspendCount() > 0 {
		e.stopThread(t)
	}
}

// SuspendThread increments the suspend counter and returns the previous
// value. The counter saturates at MaximumSuspendCount.
func (e *Engine) SuspendThread(t *Thread) (int, error) {
	old := t.suspend
	if t.suspend >= MaximumSuspendCount {
		return old, ntstatus.SuspendCountExceeded
	}
	if t.process.SuspendCount()+t.suspend == 0 {
		e.stopThread(t)
	}
	t.suspend++
	return old, nil
}

// ResumeThread decrements the suspend counter and returns the previous
// value. Over-resume is tolerated.
func (e *Engine) ResumeThread(t *Thread) int {
	old := t.suspend
	if t.suspend > 0 {
		t.suspend--
		if t.suspend+t.process.SuspendCount() == 0 {
			e.wakeThread(t)
		}
	}
	return old
}

// setThreadInfo applies a masked update. Validation failures leave the
// thread unchanged.
func (e *Engine) setThreadInfo(t *Thread, req *SetThreadInfoRequest) error {
	if req.Mask&SetThreadInfoPriority != 0 {
		max, min := PriorityHighest, PriorityLowest
		if t.process.PriorityClass() == PriorityClassRealtime {
			max, min = PriorityRealtimeHighest, PriorityRealtimeLowest
		}
		if (req.Priority >= min && req.Priority <= max) ||
			req.Priority == PriorityIdle || req.Priority == PriorityTimeCritical {
			t.priority = req.Priority
		} else {
			return ntstatus.InvalidParameter
		}
	}
	if req.Mask&SetThreadInfoAffinity != 0 {
		switch {
		case req.Affinity&t.process.Affinity() != req.Affinity:
			return ntstatus.InvalidParameter
		case t.state == Terminated:
			return ntstatus.ThreadIsTerminating
		default:
			if err := e.SetThreadAffinity(t, req.Affinity); err != nil {
				return ntstatus.Unsuccessful
			}
		}
	}
	if req.Mask&SetThreadInfoToken != 0 {
		if e.hooks.Security == nil {
			return ntstatus.NotSupported
		}
		if err := e.hooks.Security.SetThreadToken(t, req.Token); err != nil {
			return err
		}
	}
	return nil
}

// SetToken installs an impersonation token, releasing any previous one.
// Called by the security collaborator.
func (t *Thread) SetToken(token Object) {
	if t.token != nil {
		Release(t.token)
	}
	t.token = token
	if token != nil {
		Grab(token)
	}
}

// ImpersonationToken returns the thread token, falling back to the process
// token.
func (t *Thread) ImpersonationToken() Object {
	if t.token != nil {
		return t.token
	}
	return t.process.Token()
}

// HoldMutex links a mutex-like object into the thread's held list; the
// object owns the returned element and passes it back to ReleaseMutex.
func (t *Thread) HoldMutex(m Abandonable) *list.Element {
	return t.mutexes.PushBack(m)
}

// ReleaseMutex unlinks a held object.
func (t *Thread) ReleaseMutex(el *list.Element) {
	t.mutexes.Remove(el)
}

func (e *Engine) abandonMutexes(t *Thread) {
	for t.mutexes.Len() > 0 {
		t.mutexes.Front().Value.(Abandonable).Abandon(t)
	}
}

// KillThread terminates a thread on the spot. All nested waits are drained,
// each delivering the exit code on the wake channel; joiners waiting on the
// thread object are woken. A violent death sends a SIGQUIT-equivalent kick,
// unless the thread was blocked in the server (then it will notice on its
// own).
func (e *Engine) KillThread(t *Thread, violent bool) {
	if t.state == Terminated {
		return
	}
	t.state = Terminated
	t.exitTime = e.currentTime
	vlog.VI(1).Infof("%04x: *killed* exit_code=%d", t.id, t.exitCode)
	if t.wait != nil {
		for t.wait != nil {
			cookie := t.wait.cookie
			e.endWait(t)
			e.sendThreadWakeup(t, cookie, int32(t.exitCode))
		}
		violent = false
	}
	if e.hooks.Console != nil {
		e.hooks.Console.KillProcesses(t)
	}
	if e.hooks.Debugger != nil {
		e.hooks.Debugger.ThreadExited(t)
	}
	e.abandonMutexes(t)
	e.WakeUp(t, 0)
	if violent {
		e.sendThreadSignal(t, unix.SIGQUIT)
	}
	e.cleanupThread(t)
	t.process.DetachThread(t)
	Release(t)
}

// ThreadPollEvent handles a poll notification on the request channel:
// error or hangup is a client death, readable input goes to the request
// reader.
func (e *Engine) ThreadPollEvent(t *Thread, errOrHup bool, onReadable func(*Thread)) {
	Grab(t)
	defer Release(t)
	if errOrHup {
		e.KillThread(t, false)
		return
	}
	if onReadable != nil {
		onReadable(t)
	}
}

// fatalProtocolError reports corrupt wire input from a client and tears the
// offending thread down.
func (e *Engine) fatalProtocolError(t *Thread, format string, args ...interface{}) {
	vlog.Errorf("%04x: protocol error: %s", t.id, fmt.Sprintf(format, args...))
	t.exitCode = 1
	e.KillThread(t, true)
}
