// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ntstatus defines the NT status codes that cross the server
// protocol, and adapts them to Go's error model. A Status is comparable by
// value; entrypoints return one wrapped as an error and the dispatcher
// recovers the numeric code for the reply header with FromError.
package ntstatus

import "fmt"

// Status is a 32-bit NT status code.
type Status uint32

// Codes used by the thread and synchronization core. Values are the
// protocol's; they are visible to clients in reply headers and in the
// signaled field of wake-up records.
const (
	Success              Status = 0x00000000
	Wait0                Status = 0x00000000
	Abandoned            Status = 0x00000080
	AbandonedWait0       Status = 0x00000080
	UserAPC              Status = 0x000000C0
	Alerted              Status = 0x00000101
	Timeout              Status = 0x00000102
	Pending              Status = 0x00000103
	Breakpoint           Status = 0x80000003
	Unsuccessful         Status = 0xC0000001
	InvalidHandle        Status = 0xC0000008
	InvalidCid           Status = 0xC000000B
	InvalidParameter     Status = 0xC000000D
	AccessDenied         Status = 0xC0000022
	SuspendCountExceeded Status = 0xC000004A
	ThreadIsTerminating  Status = 0xC000004B
	ProcessIsTerminating Status = 0xC000010A
	TooManyOpenedFiles   Status = 0xC000011F
	NotSupported         Status = 0xC00000BB
	NotRegistryFile      Status = 0xC000015C
)

var names = map[Status]string{
	Success:              "STATUS_SUCCESS",
	Abandoned:            "STATUS_ABANDONED_WAIT_0",
	UserAPC:              "STATUS_USER_APC",
	Alerted:              "STATUS_ALERTED",
	Timeout:              "STATUS_TIMEOUT",
	Pending:              "STATUS_PENDING",
	Breakpoint:           "STATUS_BREAKPOINT",
	Unsuccessful:         "STATUS_UNSUCCESSFUL",
	InvalidHandle:        "STATUS_INVALID_HANDLE",
	InvalidCid:           "STATUS_INVALID_CID",
	InvalidParameter:     "STATUS_INVALID_PARAMETER",
	AccessDenied:         "STATUS_ACCESS_DENIED",
	SuspendCountExceeded: "STATUS_SUSPEND_COUNT_EXCEEDED",
	ThreadIsTerminating:  "STATUS_THREAD_IS_TERMINATING",
	ProcessIsTerminating: "STATUS_PROCESS_IS_TERMINATING",
	TooManyOpenedFiles:   "STATUS_TOO_MANY_OPENED_FILES",
	NotSupported:         "STATUS_NOT_SUPPORTED",
	NotRegistryFile:      "STATUS_NOT_REGISTRY_FILE",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("STATUS_%08X", uint32(s))
}

// Error makes Status usable directly as an error. Success is a valid error
// value only in the sense that FromError maps a nil error back to it;
// entrypoints return nil on success rather than Success.
func (s Status) Error() string { return s.String() }

// IsError reports whether the code is an error-severity status. Codes like
// Pending, Timeout and UserAPC are informational: they select reply handling
// but do not fail the request.
func (s Status) IsError() bool { return s >= 0xC0000000 }

// FromError recovers the protocol code from an entrypoint error. A nil error
// is Success; a Status comes through unchanged; anything else collapses to
// Unsuccessful, which is the catch-all the original protocol uses for
// host-level failures.
func FromError(err error) Status {
	if err == nil {
		return Success
	}
	if s, ok := err.(Status); ok {
		return s
	}
	return Unsuccessful
}
