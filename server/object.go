// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server implements the thread and synchronization core of the
// personality server: the reference-counted object model, the thread
// registry and lifecycle, the multi-object wait engine, the APC subsystem
// and the per-request entrypoints that drive them.
//
// The package is single-threaded by design. All state is owned by the
// dispatcher goroutine; requests run to completion before the next one is
// serviced, so there is no locking around thread, wait or APC state. The
// one concession to embedding hosts with multiple kernel threads is the
// optional pid index on the registry, which is guarded by a sync.RWMutex.
package server

import (
	"container/list"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
)

// Object is the polymorphic base of everything that can be named by a
// handle or waited on. Concrete types embed ObjectBase and override the
// operations they care about; collaborators outside this package add new
// object kinds the same way, without the core knowing their types.
type Object interface {
	// Base exposes the embedded header (refcount, wait queue).
	Base() *ObjectBase
	// Dump writes a one-line description to stderr for debugging.
	Dump(verbose bool)
	// Signaled reports whether a wait by t would be satisfied right now.
	Signaled(t *Thread) bool
}

// Satisfier is implemented by objects that observe the grant of a wait
// (mutexes take ownership, auto-reset events clear). Satisfied returns true
// when the object is in an abandoned state, which colours the reported wake
// status.
type Satisfier interface {
	Satisfied(t *Thread) bool
}

// Signaler is implemented by objects that support the signal-and-wait
// primitive (events, semaphores, mutexes).
type Signaler interface {
	Signal(access uint32) error
}

// QueueHooks lets an object intercept wait-queue membership. Most objects
// use the default queue handling; an implementation that overrides AddQueue
// must call DefaultAddQueue (or refuse the entry) and pair it with a
// RemoveQueue that calls DefaultRemoveQueue.
type QueueHooks interface {
	AddQueue(e *WaitEntry) bool
	RemoveQueue(e *WaitEntry)
}

// Destroyer runs when an object's refcount reaches zero.
type Destroyer interface {
	Destroy()
}

// AccessMapper converts generic access bits to type-specific rights when a
// handle is minted.
type AccessMapper interface {
	MapAccess(access uint32) uint32
}

// ObjectBase is the embedded header shared by all objects: a refcount and
// the wait queue of threads blocked on the object.
type ObjectBase struct {
	refcount  int
	waitQueue list.List // of *WaitEntry, insertion order
	name      string
}

// NewObjectBase returns a header with a single reference, mirroring
// allocation semantics: the creator owns the initial reference.
func NewObjectBase(name string) ObjectBase {
	return ObjectBase{refcount: 1, name: name}
}

func (b *ObjectBase) Base() *ObjectBase { return b }

// Refcount returns the current reference count.
func (b *ObjectBase) Refcount() int { return b.refcount }

// Name returns the debugging name given at construction.
func (b *ObjectBase) Name() string { return b.name }

// Dump is the default dump operation.
func (b *ObjectBase) Dump(verbose bool) {
	fmt.Fprintf(os.Stderr, "Object %s refcount=%d\n", b.name, b.refcount)
	if verbose {
		spew.Fdump(os.Stderr, b)
	}
}

// Signaled defaults to never signaled.
func (b *ObjectBase) Signaled(t *Thread) bool { return false }

// WaitQueueLen returns the number of waiters queued on the object.
func (b *ObjectBase) WaitQueueLen() int { return b.waitQueue.Len() }

// Grab takes a new strong reference and returns the object for chaining.
func Grab(o Object) Object {
	o.Base().refcount++
	return o
}

// Release drops a reference; at zero the object's Destroy hook runs. The
// wait queue must be empty by then: every queued entry holds a reference.
func Release(o Object) {
	b := o.Base()
	b.refcount--
	if b.refcount > 0 {
		return
	}
	if b.refcount < 0 {
		panic(fmt.Sprintf("server: refcount underflow on %s", b.name))
	}
	if b.waitQueue.Len() != 0 {
		panic(fmt.Sprintf("server: destroying %s with non-empty wait queue", b.name))
	}
	if d, ok := o.(Destroyer); ok {
		d.Destroy()
	}
}

// WaitEntry links one thread's wait record into one object's wait queue.
// It holds a strong reference on the object for the lifetime of the wait;
// the back-reference to the thread is weak.
type WaitEntry struct {
	thread *Thread
	obj    Object
	elem   *list.Element // position in obj's wait queue, nil when unqueued
}

// Thread returns the waiting thread.
func (e *WaitEntry) Thread() *Thread { return e.thread }

// Object returns the waited object.
func (e *WaitEntry) Object() Object { return e.obj }

// DefaultAddQueue appends the entry to the object's wait queue and grabs a
// reference on the object. It always succeeds; the return value exists so
// overriding objects can refuse waiters.
func DefaultAddQueue(o Object, e *WaitEntry) bool {
	Grab(o)
	e.obj = o
	e.elem = o.Base().waitQueue.PushBack(e)
	return true
}

// DefaultRemoveQueue unlinks the entry and drops the reference taken by
// DefaultAddQueue.
func DefaultRemoveQueue(o Object, e *WaitEntry) {
	o.Base().waitQueue.Remove(e.elem)
	e.elem = nil
	Release(o)
}

// addQueue dispatches to the object's queue hook, or the default.
func addQueue(o Object, e *WaitEntry) bool {
	if qh, ok := o.(QueueHooks); ok {
		return qh.AddQueue(e)
	}
	return DefaultAddQueue(o, e)
}

func removeQueue(o Object, e *WaitEntry) {
	if qh, ok := o.(QueueHooks); ok {
		qh.RemoveQueue(e)
		return
	}
	DefaultRemoveQueue(o, e)
}

// satisfied invokes the object's grant hook, if any, and reports abandon.
func satisfied(o Object, t *Thread) bool {
	if s, ok := o.(Satisfier); ok {
		return s.Satisfied(t)
	}
	return false
}

// MapAccess applies the object's access mapping, or passes generic bits
// through unchanged for objects without one.
func MapAccess(o Object, access uint32) uint32 {
	if m, ok := o.(AccessMapper); ok {
		return m.MapAccess(access)
	}
	return access
}
