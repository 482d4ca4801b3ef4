// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

// The pid/tid allocator hands out dense 16-bit tickets shared by processes
// and threads. Ids are multiples of 4 starting at ptidOffset, matching the
// client-visible numbering; a lookup miss yields nil and the caller reports
// STATUS_INVALID_CID.

const (
	ptidOffset    = 8      // first allocated id
	ptidBlockSize = 256    // table growth increment
	ptidMax       = 0xFFFF // dense 16-bit namespace
	ptidFree      = -1     // sentinel in the free chain
)

type ptidEntry struct {
	ptr  any // *Thread or process, nil when free
	next int // next free slot index, ptidFree terminates
}

type ptidAllocator struct {
	entries  []ptidEntry
	nextFree int // head of free chain, ptidFree when none recycled
}

func newPtidAllocator() *ptidAllocator {
	return &ptidAllocator{nextFree: ptidFree}
}

// alloc assigns an id to ptr. Returns 0 when the namespace is exhausted.
func (a *ptidAllocator) alloc(ptr any) uint32 {
	var idx int
	if a.nextFree != ptidFree {
		idx = a.nextFree
		a.nextFree = a.entries[idx].next
	} else {
		if id := uint32(len(a.entries))*4 + ptidOffset; id > ptidMax {
			return 0
		}
		if len(a.entries) == cap(a.entries) {
			grown := make([]ptidEntry, len(a.entries), len(a.entries)+ptidBlockSize)
			copy(grown, a.entries)
			a.entries = grown
		}
		idx = len(a.entries)
		a.entries = a.entries[:idx+1]
	}
	a.entries[idx] = ptidEntry{ptr: ptr, next: ptidFree}
	return uint32(idx)*4 + ptidOffset
}

// free releases an id for reuse.
func (a *ptidAllocator) free(id uint32) {
	idx, ok := a.index(id)
	if !ok || a.entries[idx].ptr == nil {
		return
	}
	a.entries[idx] = ptidEntry{ptr: nil, next: a.nextFree}
	a.nextFree = idx
}

// get returns the object registered under id, or nil.
func (a *ptidAllocator) get(id uint32) any {
	idx, ok := a.index(id)
	if !ok {
		return nil
	}
	return a.entries[idx].ptr
}

func (a *ptidAllocator) index(id uint32) (int, bool) {
	if id < ptidOffset || id > ptidMax || (id-ptidOffset)%4 != 0 {
		return 0, false
	}
	idx := int(id-ptidOffset) / 4
	if idx >= len(a.entries) {
		return 0, false
	}
	return idx, true
}
