// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux

package synapse

// processAlive reports whether pid names a process that exists. On these
// platforms a terminated child is alive until it is reaped; [ProcessHandle.Kill]
// waits for the reap so its callers do not observe that window.
func processAlive(pid int) bool { return signalAlive(pid) }
