// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import "github.com/steelcowboy/longene/ntstatus"

// CPU identifies a client architecture. The register layouts themselves are
// opaque to the core; only the tag and the system-register partition are
// interpreted here.
type CPU int32

const (
	CPUx86 CPU = iota
	CPUx8664
	CPUPowerPC
	CPUARM
	CPUARM64
)

func (c CPU) String() string {
	switch c {
	case CPUx86:
		return "x86"
	case CPUx8664:
		return "x86_64"
	case CPUPowerPC:
		return "powerpc"
	case CPUARM:
		return "arm"
	case CPUARM64:
		return "arm64"
	}
	return "invalid"
}

// CPUFlag returns the mask bit for a CPU type, or 0 for an invalid tag.
func CPUFlag(c CPU) uint32 {
	if c < CPUx86 || c > CPUARM64 {
		return 0
	}
	return 1 << uint(c)
}

// CPU64BitMask selects the 64-bit architectures.
const CPU64BitMask = 1<<uint(CPUx8664) | 1<<uint(CPUARM64)

// Context flag bits selecting register blocks.
const (
	CtxControl       = 0x01
	CtxInteger       = 0x02
	CtxSegments      = 0x04
	CtxFloatingPoint = 0x08
	CtxDebugRegs     = 0x10
	CtxExtended      = 0x20
)

// RegBlock is an opaque register block; clients interpret the contents per
// CPU type.
type RegBlock [8]uint64

// ControlRegs is the control block. IP is interpreted by the core when a
// pending debug break fires.
type ControlRegs struct {
	IP    uint64
	SP    uint64
	Flags uint64
}

// Context is a captured register context tagged with its CPU type.
type Context struct {
	CPU   CPU
	Flags uint32

	Ctl      ControlRegs
	Integer  RegBlock
	Segments RegBlock
	FP       RegBlock
	Debug    RegBlock
	Extended RegBlock
}

// copyContext merges the blocks selected by flags from one context into
// another. Both contexts must carry the same CPU tag.
func copyContext(to, from *Context, flags uint32) {
	to.Flags |= flags
	if flags&CtxControl != 0 {
		to.Ctl = from.Ctl
	}
	if flags&CtxInteger != 0 {
		to.Integer = from.Integer
	}
	if flags&CtxSegments != 0 {
		to.Segments = from.Segments
	}
	if flags&CtxFloatingPoint != 0 {
		to.FP = from.FP
	}
	if flags&CtxDebugRegs != 0 {
		to.Debug = from.Debug
	}
	if flags&CtxExtended != 0 {
		to.Extended = from.Extended
	}
}

// contextSystemRegs returns the flags covering registers the client cannot
// access on its own side; they are fetched and stored through the host's
// system-register hook instead.
func contextSystemRegs(cpu CPU) uint32 {
	switch cpu {
	case CPUx86, CPUx8664:
		return CtxDebugRegs
	}
	return 0
}

// CapturedContext returns the currently captured register context, nil while the
// thread runs freely.
func (t *Thread) CapturedContext() *Context { return t.context }

// SetCapturedContext installs a context captured by the debugger pipeline.
func (t *Thread) SetCapturedContext(ctx *Context) { t.context = ctx }

// SetDebugBreak arms a synthetic breakpoint to fire at the next context
// capture.
func (t *Thread) SetDebugBreak() { t.debugBreak = true }

// breakThread triggers a breakpoint event at the captured program counter.
func (e *Engine) breakThread(t *Thread) {
	if t.context == nil {
		return
	}
	if e.hooks.Debugger != nil {
		e.hooks.Debugger.GenerateBreakpoint(t, t.context.Ctl.IP)
	}
	t.debugBreak = false
}

// GetThreadContext retrieves another thread's context. The target must be
// captured; a still-running target reports PENDING and is optionally
// auto-suspended so the client can retry.
func (e *Engine) GetThreadContext(current *Thread, req *GetThreadContextRequest, reply *GetThreadContextReply) error {
	t, err := threadFromHandle(current, req.Handle, ThreadGetContext)
	if err != nil {
		return err
	}
	defer func() {
		if t != nil {
			Release(t)
		}
	}()
	reply.Self = t == current

	if t != current && t.context == nil {
		if t.state != Running {
			return ntstatus.Unsuccessful
		}
		if req.Suspend {
			// Retry with suspend access before stopping the target.
			Release(t)
			if t, err = threadFromHandle(current, req.Handle, ThreadSuspendResume); err != nil {
				t = nil
				return err
			}
			e.SuspendThread(t)
		}
		return ntstatus.Pending
	}

	sysFlags := contextSystemRegs(t.process.CPU())
	ctx := &Context{CPU: t.process.CPU()}
	if t.context != nil {
		copyContext(ctx, t.context, req.Flags&^sysFlags)
	}
	if sysFlags != 0 && e.hooks.SysRegs != nil {
		if err := e.hooks.SysRegs.Get(t, ctx, sysFlags&req.Flags); err != nil {
			return ntstatus.Unsuccessful
		}
	}
	reply.Context = ctx
	return nil
}

// SetThreadContext stores registers into a captured thread's context, with
// the system registers partitioned out through the host hook.
func (e *Engine) SetThreadContext(current *Thread, req *SetThreadContextRequest, reply *SetThreadContextReply) error {
	if req.Context == nil {
		return ntstatus.InvalidParameter
	}
	t, err := threadFromHandle(current, req.Handle, ThreadSetContext)
	if err != nil {
		return err
	}
	defer func() {
		if t != nil {
			Release(t)
		}
	}()
	reply.Self = t == current

	if t != current && t.context == nil {
		if t.state != Running {
			return ntstatus.Unsuccessful
		}
		if req.Suspend {
			Release(t)
			if t, err = threadFromHandle(current, req.Handle, ThreadSuspendResume); err != nil {
				t = nil
				return err
			}
			e.SuspendThread(t)
		}
		return ntstatus.Pending
	}

	if req.Context.CPU != t.process.CPU() {
		return ntstatus.InvalidParameter
	}
	sysFlags := contextSystemRegs(req.Context.CPU) & req.Context.Flags
	clientFlags := req.Context.Flags &^ sysFlags
	if sysFlags != 0 && e.hooks.SysRegs != nil {
		if err := e.hooks.SysRegs.Set(t, req.Context, sysFlags); err != nil {
			return ntstatus.Unsuccessful
		}
	}
	if t.context != nil {
		copyContext(t.context, req.Context, clientFlags)
	}
	return nil
}

// GetSuspendContext hands the suspend-context copy back to the client. The
// pointer transfers: the slot is nulled and the thread re-stopped if still
// suspended.
func (e *Engine) GetSuspendContext(current *Thread, reply *GetThreadContextReply) error {
	if current.suspendContext == nil {
		return ntstatus.InvalidParameter // not suspended, shouldn't happen
	}
	reply.Context = current.suspendContext
	if current.context == current.suspendContext {
		current.context = nil
		e.StopThreadIfSuspended(current)
	}
	current.suspendContext = nil
	return nil
}

// SetSuspendContext records the register context delivered by a stopped
// client thread. Nested captures are rejected.
func (e *Engine) SetSuspendContext(current *Thread, req *SetThreadContextRequest) error {
	if req.Context == nil {
		return ntstatus.InvalidParameter
	}
	if current.context != nil || req.Context.CPU != current.process.CPU() {
		// Nested suspend or exception, shouldn't happen.
		return ntstatus.InvalidParameter
	}
	ctx := *req.Context
	current.suspendContext = &ctx
	current.context = current.suspendContext
	if current.debugBreak {
		e.breakThread(current)
	}
	return nil
}

// GetSelectorEntry fetches an LDT entry through the per-CPU hook.
func (e *Engine) GetSelectorEntry(current *Thread, req *GetSelectorEntryRequest, reply *GetSelectorEntryReply) error {
	t, err := threadFromHandle(current, req.Handle, ThreadQueryInformation)
	if err != nil {
		return err
	}
	defer Release(t)
	if e.hooks.Selector == nil {
		return ntstatus.NotSupported
	}
	reply.Base, reply.Limit, reply.Flags, err = e.hooks.Selector.Entry(t, req.Entry)
	return err
}
