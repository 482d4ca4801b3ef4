// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"encoding/binary"
	"math"

	"github.com/steelcowboy/longene/ntstatus"
)

// Handle names an object within one process's handle space.
type Handle uint32

// Abstime is an absolute server-clock time in nanoseconds. The dispatcher
// clock is the only source of Abstime values, so comparisons are exact.
type Abstime = int64

// TimeoutInfinite disables the timer on a wait.
const TimeoutInfinite Abstime = math.MaxInt64

// Affinity is a CPU bitmask.
type Affinity uint64

// Protocol limits.
const (
	MaximumWaitObjects  = 64
	MaximumSuspendCount = 127
	MaxInflightFDs      = 16
)

// Thread priorities. The valid range depends on the owning process's
// priority class; Idle and TimeCritical are accepted outside the range.
const (
	PriorityIdle            = -15
	PriorityLowest          = -2
	PriorityHighest         = 2
	PriorityTimeCritical    = 15
	PriorityRealtimeLowest  = -7
	PriorityRealtimeHighest = 6
)

// Process priority classes (only the one the core checks).
const PriorityClassRealtime = 4

// Select flags.
const (
	SelectAll           = 1 // wait for all objects
	SelectAlertable     = 2 // user APCs may terminate the wait
	SelectInterruptible = 4 // system APCs may terminate the wait
)

// Access rights used by the core.
const (
	Synchronize            = 0x00100000
	StandardRightsRead     = 0x00020000
	StandardRightsWrite    = 0x00020000
	StandardRightsExecute  = 0x00020000
	StandardRightsRequired = 0x000F0000

	GenericRead    = 0x80000000
	GenericWrite   = 0x40000000
	GenericExecute = 0x20000000
	GenericAll     = 0x10000000

	ThreadTerminate        = 0x0001
	ThreadSuspendResume    = 0x0002
	ThreadGetContext       = 0x0008
	ThreadSetContext       = 0x0010
	ThreadSetInformation   = 0x0020
	ThreadQueryInformation = 0x0040
	ThreadAllAccess        = StandardRightsRequired | Synchronize | 0x3FF

	ProcessCreateThread     = 0x0080
	ProcessVMOperation      = 0x0008
	ProcessQueryInformation = 0x0400
)

// ServerProtocolVersion is echoed to clients at init.
const ServerProtocolVersion = 437

// APCKind tags the call union carried by an APC.
type APCKind int32

const (
	APCNone APCKind = iota
	APCUser
	APCTimer
	APCAsyncIO
	APCVirtualAlloc
	APCVirtualFree
	APCVirtualQuery
	APCVirtualProtect
	APCVirtualFlush
	APCVirtualLock
	APCVirtualUnlock
	APCMapView
	APCUnmapView
	APCCreateThread
)

// IsUserKind reports whether the kind routes to the user APC queue.
func (k APCKind) IsUserKind() bool {
	return k == APCNone || k == APCUser || k == APCTimer
}

func (k APCKind) String() string {
	switch k {
	case APCNone:
		return "none"
	case APCUser:
		return "user"
	case APCTimer:
		return "timer"
	case APCAsyncIO:
		return "async_io"
	case APCVirtualAlloc:
		return "virtual_alloc"
	case APCVirtualFree:
		return "virtual_free"
	case APCVirtualQuery:
		return "virtual_query"
	case APCVirtualProtect:
		return "virtual_protect"
	case APCVirtualFlush:
		return "virtual_flush"
	case APCVirtualLock:
		return "virtual_lock"
	case APCVirtualUnlock:
		return "virtual_unlock"
	case APCMapView:
		return "map_view"
	case APCUnmapView:
		return "unmap_view"
	case APCCreateThread:
		return "create_thread"
	}
	return "unknown"
}

// APCCall is the call descriptor, a tagged union flattened into the fields
// the core routes on. The client interprets Func/Args per kind.
type APCCall struct {
	Kind   APCKind
	Func   uint64    // user routine, thread entry, or async callback
	Handle Handle    // map_view section handle (duplicated cross-process)
	Args   [4]uint64 // kind-specific arguments
	Time   Abstime   // timer APCs
}

// APCResult is the result descriptor posted by the client after executing
// the call.
type APCResult struct {
	Kind   APCKind
	Status ntstatus.Status

	// create_thread
	TID    uint32
	Handle Handle

	// async_io
	Total    uint64
	Callback uint64
}

// WakeReply is the fixed-size record written on the wake channel. The
// client matches Cookie to identify which wait completed; Signaled carries
// the wait index or a status code.
type WakeReply struct {
	Cookie   uint64
	Signaled int32
}

// WakeReplySize is the wire size of a WakeReply.
const WakeReplySize = 16

// Encode renders the record in the protocol's little-endian layout.
func (r WakeReply) Encode() []byte {
	var buf [WakeReplySize]byte
	binary.LittleEndian.PutUint64(buf[0:], r.Cookie)
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.Signaled))
	return buf[:]
}

// DecodeWakeReply parses a record previously produced by Encode.
func DecodeWakeReply(b []byte) (WakeReply, bool) {
	if len(b) < WakeReplySize {
		return WakeReply{}, false
	}
	return WakeReply{
		Cookie:   binary.LittleEndian.Uint64(b[0:]),
		Signaled: int32(binary.LittleEndian.Uint32(b[8:])),
	}, true
}

// MapThreadAccess converts generic access bits to thread rights.
func MapThreadAccess(access uint32) uint32 {
	if access&GenericRead != 0 {
		access |= StandardRightsRead | Synchronize
	}
	if access&GenericWrite != 0 {
		access |= StandardRightsWrite | Synchronize
	}
	if access&GenericExecute != 0 {
		access |= StandardRightsExecute
	}
	if access&GenericAll != 0 {
		access |= ThreadAllAccess
	}
	return access &^ (GenericRead | GenericWrite | GenericExecute | GenericAll)
}
