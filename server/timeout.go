// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import "container/heap"

// TimeoutUser is a registered timer callback. Timers are absolute-time and
// fire synchronously from the dispatcher tick, never from another
// goroutine; that keeps the ordering of timeouts against signals
// deterministic.
type TimeoutUser struct {
	when     Abstime
	callback func()
	index    int // heap position, -1 when removed
}

// When returns the absolute deadline.
func (u *TimeoutUser) When() Abstime { return u.when }

type timeoutHeap []*TimeoutUser

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].when < h[j].when }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timeoutHeap) Push(x interface{}) { u := x.(*TimeoutUser); u.index = len(*h); *h = append(*h, u) }
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = nil
	u.index = -1
	*h = old[:n-1]
	return u
}

// AddTimeout registers a callback to run at the first dispatcher tick at or
// after when.
func (e *Engine) AddTimeout(when Abstime, callback func()) *TimeoutUser {
	u := &TimeoutUser{when: when, callback: callback}
	heap.Push(&e.timeouts, u)
	return u
}

// RemoveTimeout cancels a registered timer. Safe to call on a timer that
// has already fired.
func (e *Engine) RemoveTimeout(u *TimeoutUser) {
	if u.index >= 0 {
		heap.Remove(&e.timeouts, u.index)
	}
}

// NextTimeout returns the earliest pending deadline, or TimeoutInfinite.
func (e *Engine) NextTimeout() Abstime {
	if len(e.timeouts) == 0 {
		return TimeoutInfinite
	}
	return e.timeouts[0].when
}

// runTimeouts fires every timer whose deadline has passed. Callbacks may
// add or remove timers.
func (e *Engine) runTimeouts() {
	for len(e.timeouts) > 0 && e.timeouts[0].when <= e.currentTime {
		u := heap.Pop(&e.timeouts).(*TimeoutUser)
		u.callback()
	}
}
