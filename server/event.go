// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"os"
)

// Event access right needed to signal one.
const EventModifyState = 0x0002

// Event is a manual- or auto-reset event.
type Event struct {
	ObjectBase
	engine      *Engine
	manualReset bool
	signaled    bool
}

// NewEvent creates an event in the given initial state.
func (e *Engine) NewEvent(name string, manualReset, initialState bool) *Event {
	return &Event{
		ObjectBase:  NewObjectBase(name),
		engine:      e,
		manualReset: manualReset,
		signaled:    initialState,
	}
}

func (ev *Event) Dump(verbose bool) {
	fmt.Fprintf(os.Stderr, "Event manual=%t signaled=%t\n", ev.manualReset, ev.signaled)
}

func (ev *Event) Signaled(t *Thread) bool { return ev.signaled }

// Satisfied: an auto-reset event consumes its state when a wait is
// granted.
func (ev *Event) Satisfied(t *Thread) bool {
	if !ev.manualReset {
		ev.signaled = false
	}
	return false
}

func (ev *Event) Signal(access uint32) error {
	ev.Set()
	return nil
}

// Set signals the event and wakes waiters.
func (ev *Event) Set() {
	ev.signaled = true
	ev.engine.WakeUp(ev, 0)
}

// Reset clears the event.
func (ev *Event) Reset() { ev.signaled = false }

// Pulse signals the event, wakes current waiters, and clears it again.
func (ev *Event) Pulse() {
	ev.Set()
	ev.signaled = false
}
