// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"container/list"
	"fmt"
	"os"

	"github.com/steelcowboy/longene/ntstatus"
)

// Mutex access right needed to release one you do not hold a wait on.
const MutexModifyState = 0x0001

// Mutex is a recursively-acquirable lock owned by a thread. A mutex whose
// owner dies without releasing it becomes abandoned; the next wait granted
// on it reports ABANDONED_WAIT_0.
type Mutex struct {
	ObjectBase
	engine    *Engine
	owner     *Thread
	count     int
	abandoned bool
	held      *list.Element // position in owner's held list
}

// NewMutex creates a mutex, optionally already owned by the creator.
func (e *Engine) NewMutex(name string, owner *Thread) *Mutex {
	m := &Mutex{ObjectBase: NewObjectBase(name), engine: e}
	if owner != nil {
		m.grant(owner)
	}
	return m
}

func (m *Mutex) Dump(verbose bool) {
	owner := uint32(0)
	if m.owner != nil {
		owner = m.owner.id
	}
	fmt.Fprintf(os.Stderr, "Mutex count=%d owner=%04x abandoned=%t\n", m.count, owner, m.abandoned)
}

// Signaled: free, or already held by the waiter (recursive acquire).
func (m *Mutex) Signaled(t *Thread) bool { return m.owner == nil || m.owner == t }

// Satisfied transfers ownership and reports the abandoned state, clearing
// it: abandon is observed exactly once.
func (m *Mutex) Satisfied(t *Thread) bool {
	wasAbandoned := m.abandoned
	m.grant(t)
	m.abandoned = false
	return wasAbandoned
}

func (m *Mutex) grant(t *Thread) {
	if m.owner == t {
		m.count++
		return
	}
	m.owner = t
	m.count = 1
	m.held = t.HoldMutex(m)
}

// Signal releases the mutex on behalf of its owner (the signal-and-wait
// primitive).
func (m *Mutex) Signal(access uint32) error {
	return m.ReleaseBy(nil)
}

// ReleaseBy releases one acquisition. A nil releaser stands for the current
// owner. Releasing a mutex you do not own fails.
func (m *Mutex) ReleaseBy(t *Thread) error {
	if m.owner == nil || (t != nil && m.owner != t) {
		return ntstatus.AccessDenied
	}
	if m.count--; m.count > 0 {
		return nil
	}
	m.owner.ReleaseMutex(m.held)
	m.owner = nil
	m.held = nil
	m.engine.WakeUp(m, 0)
	return nil
}

// Owner returns the holding thread, nil when free.
func (m *Mutex) Owner() *Thread { return m.owner }

// IsAbandoned reports the pending abandoned state.
func (m *Mutex) IsAbandoned() bool { return m.abandoned }

// Abandon marks the mutex abandoned on owner death and releases it.
func (m *Mutex) Abandon(owner *Thread) {
	if m.owner != owner {
		return
	}
	owner.ReleaseMutex(m.held)
	m.owner = nil
	m.held = nil
	m.count = 0
	m.abandoned = true
	m.engine.WakeUp(m, 0)
}

var _ Abandonable = (*Mutex)(nil)
