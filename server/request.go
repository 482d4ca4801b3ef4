// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"

	"golang.org/x/net/trace"

	"github.com/google/uuid"
	"github.com/steelcowboy/longene/ntstatus"
)

// Request entrypoints. Each runs to completion on the dispatcher
// goroutine; the reply is valid when the returned error is nil or an
// informational status (Pending, UserAPC).

// set_thread_info mask bits.
const (
	SetThreadInfoPriority = 1 << iota
	SetThreadInfoAffinity
	SetThreadInfoToken
)

type NewThreadRequest struct {
	RequestFD  int // inflight index in the client namespace
	Access     uint32
	Attributes uint32
	Suspend    bool
}

type NewThreadReply struct {
	TID    uint32
	Handle Handle
}

type InitThreadRequest struct {
	UnixPID    int
	UnixTID    int
	DebugLevel int
	TEB        uint64
	Entry      uint64
	ReplyFD    int
	WaitFD     int
	CPU        CPU
}

type InitThreadReply struct {
	PID         uint32
	TID         uint32
	Version     uint32
	ServerStart Abstime
	BootID      uuid.UUID
	AllCPUs     uint32
	InfoSize    uint64
}

type TerminateThreadRequest struct {
	Handle   Handle
	ExitCode int32
}

type TerminateThreadReply struct {
	Self bool // the thread is terminating itself and must exit its loop
	Last bool // it is the last running thread of its process
}

type OpenThreadRequest struct {
	TID        uint32
	Access     uint32
	Attributes uint32
}

type OpenThreadReply struct {
	Handle Handle
}

type GetThreadInfoRequest struct {
	Handle Handle
	TIDIn  uint32 // used when Handle is zero
}

type GetThreadInfoReply struct {
	PID          uint32
	TID          uint32
	TEB          uint64
	ExitCode     int32
	Priority     int
	Affinity     Affinity
	CreationTime Abstime
	ExitTime     Abstime
	Last         bool
}

type SetThreadInfoRequest struct {
	Handle   Handle
	Mask     uint32
	Priority int
	Affinity Affinity
	Token    Handle
}

type SuspendThreadRequest struct{ Handle Handle }
type SuspendThreadReply struct{ Count int }
type ResumeThreadRequest struct{ Handle Handle }
type ResumeThreadReply struct{ Count int }

type SelectRequest struct {
	Cookie  uint64
	Flags   int
	Timeout Abstime
	Handles []Handle
	Signal  Handle
	PrevAPC Handle
	Result  APCResult // result of the previous APC, if PrevAPC is set
}

type SelectReply struct {
	Timeout   Abstime
	APCHandle Handle
	Call      APCCall
}

type QueueAPCRequest struct {
	Handle Handle
	Call   APCCall
}

type QueueAPCReply struct {
	Self   bool
	Handle Handle
}

type GetAPCResultRequest struct{ Handle Handle }
type GetAPCResultReply struct{ Result APCResult }

type GetThreadContextRequest struct {
	Handle  Handle
	Flags   uint32
	Suspend bool
}

type GetThreadContextReply struct {
	Self    bool
	Context *Context
}

type SetThreadContextRequest struct {
	Handle  Handle
	Suspend bool
	Context *Context
}

type SetThreadContextReply struct{ Self bool }

type GetSelectorEntryRequest struct {
	Handle Handle
	Entry  uint32
}

type GetSelectorEntryReply struct {
	Base  uint32
	Limit uint32
	Flags uint8
}

// Dispatch runs one entrypoint on behalf of t with request tracing, and
// folds the returned error into the protocol status for the reply header.
func (e *Engine) Dispatch(t *Thread, op string, fn func() error) ntstatus.Status {
	tr := trace.New("server."+op, fmt.Sprintf("%04x", t.ID()))
	defer tr.Finish()
	st := ntstatus.FromError(fn())
	if st.IsError() {
		tr.LazyPrintf("%v", st)
		tr.SetError()
	}
	return st
}

// NewThread creates a thread in the current process around an in-flight
// request fd.
func (e *Engine) NewThread(current *Thread, req *NewThreadRequest, reply *NewThreadReply) error {
	fd := e.GetInflightFD(current, req.RequestFD)
	if fd == -1 {
		return ntstatus.InvalidHandle
	}
	ch, err := e.newChannel(fd)
	if err != nil {
		return ntstatus.InvalidHandle
	}
	t, err := e.CreateThread(ch, current.process)
	if err != nil {
		ch.Close()
		return err
	}
	if req.Suspend {
		t.suspend++
	}
	reply.TID = t.id
	if reply.Handle, err = current.process.Handles().Alloc(t, req.Access, req.Attributes); err != nil {
		e.KillThread(t, true)
		return err
	}
	// The creation reference is dropped when the thread gets killed.
	return nil
}

// InitThread is the one-shot client-side initialization, guarded by the
// absence of a reply channel. The first thread of a process also finalizes
// the process's CPU type and affinity.
func (e *Engine) InitThread(current *Thread, req *InitThreadRequest, reply *InitThreadReply) error {
	process := current.process

	replyFD := e.GetInflightFD(current, req.ReplyFD)
	if replyFD == -1 {
		return ntstatus.TooManyOpenedFiles
	}
	waitFD := e.GetInflightFD(current, req.WaitFD)
	if waitFD == -1 {
		closeFD(replyFD)
		return ntstatus.TooManyOpenedFiles
	}
	if current.replyFD != nil { // already initialised
		closeFD(replyFD)
		closeFD(waitFD)
		return ntstatus.InvalidParameter
	}
	if !isValidAddress(req.TEB) {
		closeFD(replyFD)
		closeFD(waitFD)
		return ntstatus.InvalidParameter
	}

	var err error
	if current.replyFD, err = e.newChannel(replyFD); err != nil {
		closeFD(replyFD)
		closeFD(waitFD)
		return ntstatus.Unsuccessful
	}
	if current.wakeFD, err = e.newChannel(waitFD); err != nil {
		closeFD(waitFD)
		return ntstatus.Unsuccessful
	}

	current.unixPID = req.UnixPID
	current.unixTID = req.UnixTID
	current.teb = req.TEB
	current.entryPt = req.Entry
	e.indexThread(current)

	if !process.InitDone() { // first thread, initialize the process too
		if CPUFlag(req.CPU) == 0 || e.supportedCPUs&e.prefixCPUMask&CPUFlag(req.CPU) == 0 {
			if e.supportedCPUs&CPU64BitMask == 0 {
				return ntstatus.NotSupported
			}
			// The server supports it but the prefix does not.
			return ntstatus.NotRegistryFile
		}
		reply.InfoSize = process.InitFirstThread(current, req.Entry, req.CPU)
		if !process.HasParent() {
			affinity := e.ThreadAffinity(current)
			process.SetAffinity(affinity)
			current.affinity = affinity
		} else {
			e.SetThreadAffinity(current, current.affinity)
		}
	} else {
		if req.CPU != process.CPU() {
			return ntstatus.InvalidParameter
		}
		if process.UnixPID() != current.unixPID {
			process.SetUnixPID(-1) // can happen with green-thread clients
		}
		e.StopThreadIfSuspended(current)
		if e.hooks.Debugger != nil {
			e.hooks.Debugger.ThreadCreated(current, req.Entry)
		}
		e.SetThreadAffinity(current, current.affinity)
	}
	if req.DebugLevel > e.debugLevel {
		e.debugLevel = req.DebugLevel
	}

	reply.PID = process.ID()
	reply.TID = current.id
	reply.Version = ServerProtocolVersion
	reply.ServerStart = e.startTime
	reply.BootID = e.bootID
	reply.AllCPUs = e.supportedCPUs & e.prefixCPUMask
	return nil
}

// TerminateThread records the exit code and kills the target, unless the
// target is the caller: a self-termination is reported back so the client
// exits its request loop instead of being killed mid-call.
func (e *Engine) TerminateThread(current *Thread, req *TerminateThreadRequest, reply *TerminateThreadReply) error {
	t, err := threadFromHandle(current, req.Handle, ThreadTerminate)
	if err != nil {
		return err
	}
	defer Release(t)
	t.exitCode = req.ExitCode
	if t != current {
		e.KillThread(t, true)
	} else {
		reply.Self = true
		reply.Last = t.process.RunningThreads() == 1
	}
	return nil
}

// OpenThread mints a handle to a thread named by internal id.
func (e *Engine) OpenThread(current *Thread, req *OpenThreadRequest, reply *OpenThreadReply) error {
	t, err := e.GetThreadFromID(req.TID)
	if err != nil {
		return err
	}
	defer Release(t)
	reply.Handle, err = current.process.Handles().Alloc(t, req.Access, req.Attributes)
	return err
}

// GetThreadInfo fetches thread attributes by handle, or by id when the
// handle is zero.
func (e *Engine) GetThreadInfo(current *Thread, req *GetThreadInfoRequest, reply *GetThreadInfoReply) error {
	var t *Thread
	var err error
	if req.Handle == 0 {
		t, err = e.GetThreadFromID(req.TIDIn)
	} else {
		t, err = threadFromHandle(current, req.Handle, ThreadQueryInformation)
	}
	if err != nil {
		return err
	}
	defer Release(t)
	reply.PID = t.process.ID()
	reply.TID = t.id
	reply.TEB = t.teb
	if t.state == Terminated {
		reply.ExitCode = t.exitCode
	} else {
		reply.ExitCode = int32(ntstatus.Pending)
	}
	reply.Priority = t.priority
	reply.Affinity = t.affinity
	reply.CreationTime = t.creationTime
	reply.ExitTime = t.exitTime
	reply.Last = t.process.RunningThreads() == 1
	return nil
}

// SetThreadInfo applies a masked attribute update.
func (e *Engine) SetThreadInfo(current *Thread, req *SetThreadInfoRequest) error {
	t, err := threadFromHandle(current, req.Handle, ThreadSetInformation)
	if err != nil {
		return err
	}
	defer Release(t)
	return e.setThreadInfo(t, req)
}

// SuspendThreadHandler increments the target's suspend counter.
func (e *Engine) SuspendThreadHandler(current *Thread, req *SuspendThreadRequest, reply *SuspendThreadReply) error {
	t, err := threadFromHandle(current, req.Handle, ThreadSuspendResume)
	if err != nil {
		return err
	}
	defer Release(t)
	if t.state == Terminated {
		return ntstatus.AccessDenied
	}
	reply.Count, err = e.SuspendThread(t)
	return err
}

// ResumeThreadHandler decrements the target's suspend counter.
func (e *Engine) ResumeThreadHandler(current *Thread, req *ResumeThreadRequest, reply *ResumeThreadReply) error {
	t, err := threadFromHandle(current, req.Handle, ThreadSuspendResume)
	if err != nil {
		return err
	}
	defer Release(t)
	reply.Count = e.ResumeThread(t)
	return nil
}

// signalObject signals an event, semaphore or mutex named by handle.
func (e *Engine) signalObject(current *Thread, h Handle) bool {
	obj, err := current.process.Handles().Get(h, 0)
	if err != nil {
		return false
	}
	defer Release(obj)
	sig, ok := obj.(Signaler)
	if !ok {
		return false
	}
	access, _ := current.process.Handles().Access(h)
	return sig.Signal(access) == nil
}

// selectOn installs the wait described by the request. The returned error
// carries the verdict: an immediately satisfied wait yields its index as a
// status, a blocked thread yields Pending. When the signal-and-wait
// self-signal already ended the wait, the verdict has gone out on the wake
// channel and nil is returned.
func (e *Engine) selectOn(current *Thread, cookie uint64, handles []Handle, flags int, timeout Abstime, signalObj Handle) (Abstime, error) {
	if timeout <= 0 {
		timeout = e.currentTime - timeout
	}
	if len(handles) > MaximumWaitObjects {
		return 0, ntstatus.InvalidParameter
	}
	objects := make([]Object, 0, len(handles))
	defer func() {
		for i := len(objects) - 1; i >= 0; i-- {
			Release(objects[i])
		}
	}()
	for _, h := range handles {
		obj, err := current.process.Handles().Get(h, Synchronize)
		if err != nil {
			return timeout, err
		}
		objects = append(objects, obj)
	}

	if !e.waitOn(current, objects, flags, timeout) {
		return timeout, ntstatus.Unsuccessful
	}
	current.wait.cookie = cookie

	if signalObj != 0 {
		if !e.signalObject(current, signalObj) {
			e.endWait(current)
			return timeout, ntstatus.AccessDenied
		}
		// Check if we woke ourselves up: the verdict already went out on
		// the wake channel.
		if current.wait == nil {
			return timeout, nil
		}
	}

	if verdict := e.checkWait(current); verdict != keepWaiting {
		// Condition is already satisfied.
		e.endWait(current)
		return timeout, ntstatus.Status(verdict)
	}

	// Now we need to wait.
	if current.wait.timeout != TimeoutInfinite {
		w := current.wait
		w.timer = e.AddTimeout(w.timeout, func() { e.threadTimeout(w) })
	}
	return timeout, ntstatus.Pending
}

// Select is the per-request wait entrypoint: it finishes the bookkeeping of
// the previous APC, installs the new wait, and hands the next deliverable
// APC back to the client when the verdict is USER_APC.
func (e *Engine) Select(current *Thread, req *SelectRequest, reply *SelectReply) error {
	if req.PrevAPC != 0 {
		obj, err := current.process.Handles().Get(req.PrevAPC, 0)
		if err != nil {
			return err
		}
		apc, ok := obj.(*APC)
		if !ok {
			Release(obj)
			return ntstatus.InvalidHandle
		}
		apc.Result = req.Result
		apc.executed = true
		switch apc.Result.Kind {
		case APCCreateThread:
			// Transfer the new thread's handle to the caller process;
			// errors here are best-effort.
			if apc.caller != nil {
				h, err := DuplicateHandle(current.process, apc.Result.Handle, apc.caller.process, 0, 0, true)
				current.process.Handles().Close(apc.Result.Handle)
				if err != nil {
					h = 0
				}
				apc.Result.Handle = h
			}
		case APCAsyncIO:
			if recv, ok := apc.owner.(AsyncResultReceiver); ok {
				recv.SetAsyncResult(uint32(apc.Result.Status), apc.Result.Total, apc.Result.Callback)
			}
		}
		e.WakeUp(apc, 0)
		current.process.Handles().Close(req.PrevAPC)
		Release(apc)
	}

	var err error
	reply.Timeout, err = e.selectOn(current, req.Cookie, req.Handles, req.Flags, req.Timeout, req.Signal)

	if ntstatus.FromError(err) == ntstatus.UserAPC {
		for {
			apc := e.threadDequeueAPC(current, req.Flags&SelectAlertable == 0)
			if apc == nil {
				break
			}
			// APC_NONE calls exist only to wake the thread, and it is
			// awake; discard them.
			if apc.Call.Kind != APCNone {
				if reply.APCHandle, _ = current.process.Handles().Alloc(apc, Synchronize, 0); reply.APCHandle != 0 {
					reply.Call = apc.Call
				}
				Release(apc)
				break
			}
			apc.executed = true
			e.WakeUp(apc, 0)
			Release(apc)
		}
	}
	return err
}

// QueueAPC queues an APC on a thread or process handle, routed by call
// kind.
func (e *Engine) QueueAPC(current *Thread, req *QueueAPCRequest, reply *QueueAPCReply) error {
	apc := e.NewAPC(nil, req.Call)
	defer Release(apc)

	var t *Thread
	var process Process
	var err error
	switch apc.Call.Kind {
	case APCNone, APCUser:
		t, err = threadFromHandle(current, req.Handle, ThreadSetContext)
	case APCVirtualAlloc, APCVirtualFree, APCVirtualProtect, APCVirtualFlush,
		APCVirtualLock, APCVirtualUnlock, APCUnmapView:
		process, err = processFromHandle(current, req.Handle, ProcessVMOperation)
	case APCVirtualQuery:
		process, err = processFromHandle(current, req.Handle, ProcessQueryInformation)
	case APCMapView:
		if process, err = processFromHandle(current, req.Handle, ProcessVMOperation); err == nil && process != current.process {
			// Duplicate the section handle into the target process.
			h, derr := DuplicateHandle(current.process, apc.Call.Handle, process, 0, 0, true)
			if derr != nil {
				Release(process)
				return derr
			}
			apc.Call.Handle = h
		}
	case APCCreateThread:
		process, err = processFromHandle(current, req.Handle, ProcessCreateThread)
	default:
		return ntstatus.InvalidParameter
	}
	if err != nil {
		return err
	}

	if t != nil {
		defer Release(t)
		if !e.queueAPC(nil, t, apc) {
			return ntstatus.ThreadIsTerminating
		}
		return nil
	}

	defer Release(process)
	reply.Self = process == current.process
	if reply.Self {
		return nil
	}
	h, err := current.process.Handles().Alloc(apc, Synchronize, 0)
	if err != nil {
		return err
	}
	if !e.queueAPC(process, nil, apc) {
		current.process.Handles().Close(h)
		return ntstatus.ProcessIsTerminating
	}
	apc.caller = Grab(current).(*Thread)
	reply.Handle = h
	return nil
}

// GetAPCResult fetches the result of an executed APC; the handle is closed
// on success to save the client a round-trip.
func (e *Engine) GetAPCResult(current *Thread, req *GetAPCResultRequest, reply *GetAPCResultReply) error {
	obj, err := current.process.Handles().Get(req.Handle, 0)
	if err != nil {
		return err
	}
	defer Release(obj)
	apc, ok := obj.(*APC)
	if !ok {
		return ntstatus.InvalidHandle
	}
	if !apc.executed {
		return ntstatus.Pending
	}
	reply.Result = apc.Result
	current.process.Handles().Close(req.Handle)
	return nil
}

func processFromHandle(current *Thread, h Handle, access uint32) (Process, error) {
	obj, err := current.process.Handles().Get(h, access)
	if err != nil {
		return nil, err
	}
	p, ok := obj.(Process)
	if !ok {
		Release(obj)
		return nil, ntstatus.InvalidHandle
	}
	return p, nil
}

func isValidAddress(addr uint64) bool {
	return addr != 0 && addr%4 == 0
}

func closeFD(fd int) {
	if fd != -1 {
		closeRawFD(fd)
	}
}
