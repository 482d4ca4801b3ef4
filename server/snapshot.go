// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// ThreadSnapshot is one row of a registry snapshot.
type ThreadSnapshot struct {
	Thread   *Thread
	Refcount int
	Priority int
}

// Snapshot captures the currently running threads, oldest first. Every row
// holds a fresh reference on its thread; the caller releases them.
func (e *Engine) Snapshot() []ThreadSnapshot {
	var snap []ThreadSnapshot
	for el := e.threadList.Back(); el != nil; el = el.Prev() {
		t := el.Value.(*Thread)
		if t.state == Terminated {
			continue
		}
		snap = append(snap, ThreadSnapshot{
			Thread:   t,
			Refcount: t.Refcount(),
			Priority: t.priority,
		})
		Grab(t)
	}
	return snap
}

// ReleaseSnapshot drops the references held by a snapshot.
func ReleaseSnapshot(snap []ThreadSnapshot) {
	for _, row := range snap {
		Release(row.Thread)
	}
}

// ThreadDiag is a diagnostics row: the snapshot data plus what the OS
// knows about the client process behind it.
type ThreadDiag struct {
	ID           uint32  `json:"id"`
	PID          uint32  `json:"pid"`
	UnixPID      int     `json:"unix_pid"`
	UnixTID      int     `json:"unix_tid"`
	Priority     int     `json:"priority"`
	Affinity     uint64  `json:"affinity"`
	Suspend      int     `json:"suspend"`
	Refcount     int     `json:"refcount"`
	Waiting      bool    `json:"waiting"`
	ProcName     string  `json:"proc_name,omitempty"`
	ProcCPUTotal float64 `json:"proc_cpu_total,omitempty"`
}

// Diagnostics renders a snapshot for operators, resolving each live client
// pid to its OS process name and CPU usage. Resolution failures are left
// blank: the client may already be gone.
func (e *Engine) Diagnostics() []ThreadDiag {
	snap := e.Snapshot()
	defer ReleaseSnapshot(snap)

	diags := make([]ThreadDiag, 0, len(snap))
	for _, row := range snap {
		t := row.Thread
		d := ThreadDiag{
			ID:       t.id,
			PID:      t.process.ID(),
			UnixPID:  t.unixPID,
			UnixTID:  t.unixTID,
			Priority: row.Priority,
			Affinity: uint64(t.affinity),
			Suspend:  t.suspend,
			Refcount: row.Refcount,
			Waiting:  t.wait != nil,
		}
		if t.unixPID > 0 {
			if proc, err := gopsprocess.NewProcess(int32(t.unixPID)); err == nil {
				if name, err := proc.Name(); err == nil {
					d.ProcName = name
				}
				if times, err := proc.Times(); err == nil {
					d.ProcCPUTotal = times.User + times.System
				}
			}
		}
		diags = append(diags, d)
	}
	return diags
}
