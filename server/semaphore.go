// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"os"

	"github.com/steelcowboy/longene/ntstatus"
)

// Semaphore access right needed to release one.
const SemaphoreModifyState = 0x0002

// Semaphore is a counted signal with a fixed maximum.
type Semaphore struct {
	ObjectBase
	engine *Engine
	count  uint32
	max    uint32
}

// NewSemaphore creates a semaphore with the given initial count and cap.
func (e *Engine) NewSemaphore(name string, initial, max uint32) (*Semaphore, error) {
	if max == 0 || initial > max {
		return nil, ntstatus.InvalidParameter
	}
	return &Semaphore{ObjectBase: NewObjectBase(name), engine: e, count: initial, max: max}, nil
}

func (s *Semaphore) Dump(verbose bool) {
	fmt.Fprintf(os.Stderr, "Semaphore count=%d max=%d\n", s.count, s.max)
}

func (s *Semaphore) Signaled(t *Thread) bool { return s.count > 0 }

// Satisfied consumes one count.
func (s *Semaphore) Satisfied(t *Thread) bool {
	if s.count > 0 {
		s.count--
	}
	return false
}

// Signal releases a single count (the signal-and-wait primitive).
func (s *Semaphore) Signal(access uint32) error {
	_, err := s.Release(1)
	return err
}

// Release adds count and wakes waiters, returning the previous count.
func (s *Semaphore) Release(count uint32) (uint32, error) {
	prev := s.count
	if count > s.max-s.count {
		return prev, ntstatus.InvalidParameter // semaphore limit exceeded
	}
	s.count += count
	s.engine.WakeUp(s, int(count))
	return prev, nil
}

// Count returns the current count.
func (s *Semaphore) Count() uint32 { return s.count }
