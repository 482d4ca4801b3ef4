// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"container/list"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// SignalSender delivers a kick signal to a client OS thread. The wakeup
// kick corresponds to SIGUSR1, the violent-death kick to SIGQUIT; hosts
// that cannot signal individual threads substitute an equivalent per-thread
// wake primitive.
type SignalSender interface {
	Signal(unixPID, unixTID int, sig unix.Signal) bool
}

// Scheduler propagates affinity to the OS scheduler.
type Scheduler interface {
	SetAffinity(unixTID int, affinity Affinity) error
	GetAffinity(unixTID int) (Affinity, error)
}

// SystemRegs accesses the registers a client cannot touch from its own
// side (debug registers on x86 CPUs). Typically backed by ptrace.
type SystemRegs interface {
	Get(t *Thread, ctx *Context, flags uint32) error
	Set(t *Thread, ctx *Context, flags uint32) error
}

// Debugger is the debug-event pipeline collaborator.
type Debugger interface {
	// GenerateBreakpoint dispatches a synthetic breakpoint event at the
	// captured program counter.
	GenerateBreakpoint(t *Thread, ip uint64)
	// ThreadCreated fires when a non-first thread finishes init.
	ThreadCreated(t *Thread, entry uint64)
	// ThreadExited tears down debugger association at kill time.
	ThreadExited(t *Thread)
}

// Console is the console collaborator consulted at kill time.
type Console interface {
	KillProcesses(t *Thread)
}

// Security is the token module collaborator.
type Security interface {
	SetThreadToken(t *Thread, token Handle) error
}

// SelectorTable reads LDT entries for get_selector_entry.
type SelectorTable interface {
	Entry(t *Thread, entry uint32) (base, limit uint32, flags uint8, err error)
}

// AsyncResultReceiver is implemented by async I/O owner objects; APC
// results of kind async_io are forwarded here.
type AsyncResultReceiver interface {
	SetAsyncResult(status uint32, total uint64, callback uint64)
}

// ChannelFactory adopts a raw fd into a Channel. The default wraps the fd
// directly; embedding hosts substitute their own polled transport.
type ChannelFactory interface {
	New(fd int) (Channel, error)
}

// Hooks collects the collaborator interfaces. Any field may be nil; the
// corresponding operations degrade to no-ops or unsupported errors.
type Hooks struct {
	Signals  SignalSender
	Sched    Scheduler
	SysRegs  SystemRegs
	Debugger Debugger
	Console  Console
	Security Security
	Selector SelectorTable
	Channels ChannelFactory
}

// Engine owns the process-wide thread state: the registry, the id
// allocator, the timer queue and the dispatcher clock. Construct one per
// server; there are no package-level globals.
type Engine struct {
	hooks Hooks

	threadList *list.List // of *Thread, newest first
	ptids      *ptidAllocator

	// Optional index of threads by OS pid, for hosts where multiple kernel
	// threads consult the registry. Writers take the lock exclusively,
	// lookups share it.
	pidIndex   map[int][]*Thread
	pidIndexMu sync.RWMutex

	timeouts    timeoutHeap
	currentTime Abstime
	startTime   Abstime
	bootID      uuid.UUID

	supportedCPUs uint32
	prefixCPUMask uint32
	debugLevel    int

	inflightDup bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks installs the collaborator hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithSupportedCPUs overrides the CPU mask the server itself supports.
func WithSupportedCPUs(mask uint32) Option {
	return func(e *Engine) { e.supportedCPUs = mask }
}

// WithPrefixCPUMask restricts the CPU types the client prefix allows.
func WithPrefixCPUMask(mask uint32) Option {
	return func(e *Engine) { e.prefixCPUMask = mask }
}

// WithInflightDup selects the dup()ing inflight-fd miss strategy, for hosts
// that share an fd table with their clients.
func WithInflightDup() Option {
	return func(e *Engine) { e.inflightDup = true }
}

// WithDebugLevel sets the initial trace verbosity.
func WithDebugLevel(level int) Option {
	return func(e *Engine) { e.debugLevel = level }
}

// NewEngine constructs the engine and stamps the server start time and boot
// id echoed to clients at init.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		threadList:    list.New(),
		ptids:         newPtidAllocator(),
		pidIndex:      make(map[int][]*Thread),
		supportedCPUs: hostSupportedCPUs(),
		prefixCPUMask: ^uint32(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	now := time.Now().UnixNano()
	e.currentTime = now
	e.startTime = now
	e.bootID = uuid.New()
	return e
}

// Now returns the dispatcher clock. The clock advances only at Tick, so
// every mutation within one request observes the same time.
func (e *Engine) Now() Abstime { return e.currentTime }

// StartTime returns the server start timestamp.
func (e *Engine) StartTime() Abstime { return e.startTime }

// BootID returns the id minted for this server incarnation.
func (e *Engine) BootID() uuid.UUID { return e.bootID }

// DebugLevel returns the current trace verbosity.
func (e *Engine) DebugLevel() int { return e.debugLevel }

// Tick advances the dispatcher clock and fires expired timers. The host
// calls it once per loop iteration, before dispatching the next request.
func (e *Engine) Tick(now Abstime) {
	if now > e.currentTime {
		e.currentTime = now
	}
	e.runTimeouts()
}

func hostSupportedCPUs() uint32 {
	switch runtime.GOARCH {
	case "386":
		return CPUFlag(CPUx86)
	case "amd64":
		return CPUFlag(CPUx8664) | CPUFlag(CPUx86)
	case "arm":
		return CPUFlag(CPUARM)
	case "arm64":
		return CPUFlag(CPUARM64)
	case "ppc64", "ppc64le":
		return CPUFlag(CPUPowerPC)
	}
	return CPUFlag(CPUx8664) | CPUFlag(CPUx86)
}

func (e *Engine) sendThreadSignal(t *Thread, sig unix.Signal) bool {
	if e.hooks.Signals == nil || t.unixTID == -1 {
		return false
	}
	return e.hooks.Signals.Signal(t.unixPID, t.unixTID, sig)
}

// defaultChannelFactory is installed by the host support file for the
// build platform.
var defaultChannelFactory ChannelFactory

func (e *Engine) newChannel(fd int) (Channel, error) {
	if e.hooks.Channels != nil {
		return e.hooks.Channels.New(fd)
	}
	if defaultChannelFactory != nil {
		return defaultChannelFactory.New(fd)
	}
	return nil, errNoChannelFactory
}

var errNoChannelFactory = fmt.Errorf("server: no channel factory for this platform")

func closeRawFD(fd int) { unix.Close(fd) }
