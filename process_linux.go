// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive reports whether the child process pid is alive. A child that
// has terminated is reported dead even before it is reaped; the check does
// not consume its exit status.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
		switch {
		case err == nil:
			// With WNOHANG, a child that has not changed state leaves info zeroed.
			return info.Signo == 0
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return false // already reaped
		default:
			return signalAlive(pid)
		}
	}
}
