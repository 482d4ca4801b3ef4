// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"golang.org/x/sys/unix"
)

// Default host bindings for Linux: per-thread signals via tgkill, affinity
// via sched_setaffinity, and raw-fd channels.

// DefaultHooks returns hooks backed by the Linux host primitives. Fields
// the host cannot serve (debugger, console, security, selector table) are
// left nil for the embedding server to fill in.
func DefaultHooks() Hooks {
	return Hooks{
		Signals: tgkillSender{},
		Sched:   unixScheduler{},
	}
}

type tgkillSender struct{}

func (tgkillSender) Signal(unixPID, unixTID int, sig unix.Signal) bool {
	return unix.Tgkill(unixPID, unixTID, sig) == nil
}

type unixScheduler struct{}

func (unixScheduler) SetAffinity(unixTID int, affinity Affinity) error {
	var set unix.CPUSet
	for i := 0; i < 64; i++ {
		if affinity&(1<<uint(i)) != 0 {
			set.Set(i)
		}
	}
	return unix.SchedSetaffinity(unixTID, &set)
}

func (unixScheduler) GetAffinity(unixTID int) (Affinity, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(unixTID, &set); err != nil {
		return 0, err
	}
	var mask Affinity
	for i := 0; i < 64; i++ {
		if set.IsSet(i) {
			mask |= 1 << uint(i)
		}
	}
	return mask, nil
}

// fdChannel is a Channel over a raw non-blocking fd.
type fdChannel struct {
	fd int
}

func newFDChannel(fd int) (Channel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &fdChannel{fd: fd}, nil
}

func (c *fdChannel) Write(p []byte) (int, error) {
	return unix.Write(c.fd, p)
}

func (c *fdChannel) Close() error {
	if c.fd == -1 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

type fdChannelFactory struct{}

func (fdChannelFactory) New(fd int) (Channel, error) { return newFDChannel(fd) }

func init() {
	defaultChannelFactory = fdChannelFactory{}
}
