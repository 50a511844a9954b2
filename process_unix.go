// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package synapse

import (
	"errors"
	"syscall"
)

// signalAlive reports whether pid names a process that exists. A process
// owned by another user still exists even though it cannot be signaled.
// A terminated child that has not been reaped also exists.
func signalAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func interruptProcess(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }
