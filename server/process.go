// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"os"

	"github.com/steelcowboy/longene/ntstatus"
)

// Process is the core's view of the process object, which lives in a
// collaborating module. Threads hold a strong reference on their process,
// so Process is itself an Object.
//
// AttachThread takes a strong reference on the thread; DetachThread drops
// it. ForEachThread visits live threads in attach order and stops when the
// visitor returns false.
type Process interface {
	Object

	ID() uint32
	Handles() HandleSpace
	IsTerminating() bool

	Affinity() Affinity
	SetAffinity(Affinity)
	PriorityClass() int
	SuspendCount() int

	CPU() CPU
	UnixPID() int
	SetUnixPID(int)

	// InitDone reports whether process initialization has completed (the
	// first thread has delivered the entry point).
	InitDone() bool
	// InitFirstThread records the entry point and CPU type delivered by the
	// process's first thread and runs process-level init. It returns the
	// startup info size for the init reply.
	InitFirstThread(t *Thread, entry uint64, cpu CPU) uint64
	HasParent() bool

	RunningThreads() int
	Token() Object

	AttachThread(t *Thread)
	DetachThread(t *Thread)
	ForEachThread(func(*Thread) bool)
}

// HandleSpace is one process's handle table, another collaborator. Alloc
// takes a reference on the object for the lifetime of the handle; Get takes
// a reference that the caller must release; Close drops the handle's
// reference.
type HandleSpace interface {
	Alloc(obj Object, access uint32, attributes uint32) (Handle, error)
	Get(h Handle, access uint32) (Object, error)
	Access(h Handle) (uint32, error)
	Close(h Handle) error
}

// DuplicateHandle re-creates src's handle in dst. With sameAccess the
// original access mask is preserved, otherwise access is used as given.
func DuplicateHandle(src Process, h Handle, dst Process, access uint32, attributes uint32, sameAccess bool) (Handle, error) {
	obj, err := src.Handles().Get(h, 0)
	if err != nil {
		return 0, err
	}
	defer Release(obj)
	if sameAccess {
		if access, err = src.Handles().Access(h); err != nil {
			return 0, err
		}
	}
	return dst.Handles().Alloc(obj, access, attributes)
}

// BasicProcess is a minimal in-core Process implementation, enough for
// hosts that do not bring their own process module, and for tests. It
// tracks the thread list, a table-backed handle space and the handful of
// attributes the thread core consults.
type BasicProcess struct {
	ObjectBase
	id          uint32
	handles     *basicHandles
	terminating bool
	affinity    Affinity
	prioClass   int
	suspend     int
	cpu         CPU
	unixPID     int
	peb         uint64
	hasParent   bool
	token       Object
	threads     []*Thread
	running     int
}

var _ Process = (*BasicProcess)(nil)

// NewBasicProcess allocates a process with the given id and an affinity of
// all CPUs.
func NewBasicProcess(id uint32) *BasicProcess {
	return &BasicProcess{
		ObjectBase: NewObjectBase(fmt.Sprintf("process-%04x", id)),
		id:         id,
		handles:    &basicHandles{},
		affinity:   ^Affinity(0),
		unixPID:    -1,
	}
}

func (p *BasicProcess) Dump(verbose bool) {
	fmt.Fprintf(os.Stderr, "Process id=%04x unix pid=%d threads=%d\n", p.id, p.unixPID, p.running)
}

// Signaled: a process object signals when it has exited. BasicProcess
// reports exit as terminating with no running threads.
func (p *BasicProcess) Signaled(t *Thread) bool {
	return p.terminating && p.running == 0
}

func (p *BasicProcess) ID() uint32            { return p.id }
func (p *BasicProcess) Handles() HandleSpace  { return p.handles }
func (p *BasicProcess) IsTerminating() bool   { return p.terminating }
func (p *BasicProcess) Affinity() Affinity    { return p.affinity }
func (p *BasicProcess) SetAffinity(a Affinity) { p.affinity = a }
func (p *BasicProcess) PriorityClass() int    { return p.prioClass }
func (p *BasicProcess) SuspendCount() int     { return p.suspend }
func (p *BasicProcess) CPU() CPU              { return p.cpu }
func (p *BasicProcess) UnixPID() int          { return p.unixPID }
func (p *BasicProcess) SetUnixPID(pid int)    { p.unixPID = pid }
func (p *BasicProcess) InitDone() bool        { return p.peb != 0 }
func (p *BasicProcess) HasParent() bool       { return p.hasParent }
func (p *BasicProcess) RunningThreads() int   { return p.running }
func (p *BasicProcess) Token() Object         { return p.token }

// SetTerminating marks the process as exiting; create_thread refuses new
// threads from then on.
func (p *BasicProcess) SetTerminating() { p.terminating = true }

// SetPriorityClass sets the class consulted for thread priority ranges.
func (p *BasicProcess) SetPriorityClass(c int) { p.prioClass = c }

// SetSuspendCount sets the process-wide suspend counter. The process
// module owns the counter; this core only reads it.
func (p *BasicProcess) SetSuspendCount(n int) { p.suspend = n }

func (p *BasicProcess) InitFirstThread(t *Thread, entry uint64, cpu CPU) uint64 {
	p.peb = entry
	p.cpu = cpu
	p.unixPID = t.UnixPID()
	return 0
}

func (p *BasicProcess) AttachThread(t *Thread) {
	Grab(t)
	p.threads = append(p.threads, t)
	p.running++
}

func (p *BasicProcess) DetachThread(t *Thread) {
	for i, other := range p.threads {
		if other == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			p.running--
			Release(t)
			return
		}
	}
}

func (p *BasicProcess) ForEachThread(visit func(*Thread) bool) {
	for _, t := range append([]*Thread(nil), p.threads...) {
		if !visit(t) {
			return
		}
	}
}

// basicHandles is a growable table. Handle values are index*4+4, so 0 is
// never a valid handle.
type basicHandles struct {
	entries []handleEntry
}

type handleEntry struct {
	obj    Object
	access uint32
}

func (hs *basicHandles) Alloc(obj Object, access uint32, attributes uint32) (Handle, error) {
	access = MapAccess(obj, access)
	for i := range hs.entries {
		if hs.entries[i].obj == nil {
			hs.entries[i] = handleEntry{obj: Grab(obj), access: access}
			return Handle(i*4 + 4), nil
		}
	}
	hs.entries = append(hs.entries, handleEntry{obj: Grab(obj), access: access})
	return Handle((len(hs.entries)-1)*4 + 4), nil
}

func (hs *basicHandles) lookup(h Handle) (*handleEntry, error) {
	if h == 0 || h%4 != 0 {
		return nil, ntstatus.InvalidHandle
	}
	idx := int(h/4) - 1
	if idx < 0 || idx >= len(hs.entries) || hs.entries[idx].obj == nil {
		return nil, ntstatus.InvalidHandle
	}
	return &hs.entries[idx], nil
}

func (hs *basicHandles) Get(h Handle, access uint32) (Object, error) {
	e, err := hs.lookup(h)
	if err != nil {
		return nil, err
	}
	if access&^e.access != 0 {
		return nil, ntstatus.AccessDenied
	}
	return Grab(e.obj), nil
}

func (hs *basicHandles) Access(h Handle) (uint32, error) {
	e, err := hs.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.access, nil
}

func (hs *basicHandles) Close(h Handle) error {
	e, err := hs.lookup(h)
	if err != nil {
		return err
	}
	obj := e.obj
	*e = handleEntry{}
	Release(obj)
	return nil
}
