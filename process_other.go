// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build !unix

package synapse

import "os"

// processAlive reports whether pid is positive. On these platforms the
// handle relies on its own exit tracking to detect a dead process.
func processAlive(pid int) bool { return pid > 0 }

func interruptProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}
