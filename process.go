// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// ProcessState is the lifecycle state of a [ProcessHandle]. States advance
// monotonically from NotStarted to Running to Exited.
type ProcessState int32

const (
	NotStarted ProcessState = iota
	Running
	Exited
)

func (s ProcessState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Running:
		return "RUNNING"
	case Exited:
		return "EXITED"
	default:
		return fmt.Sprintf("state %d", int32(s))
	}
}

// WindowControl is the OS facility used to manipulate the main window of a
// process. Implementations are platform specific.
type WindowControl interface {
	// Activate brings the main window of the process to the foreground, and
	// reports whether it did so.
	Activate(pid int) (bool, error)

	// CloseMainWindow asks the process to terminate gracefully.
	CloseMainWindow(pid int) error
}

// SignalControl is a WindowControl for systems without a window manager
// integration. It cannot activate windows, and closes a process by sending
// it an interrupt.
type SignalControl struct{}

// Activate implements a method of [WindowControl]. It always reports false.
func (SignalControl) Activate(int) (bool, error) { return false, nil }

// CloseMainWindow implements a method of [WindowControl].
func (SignalControl) CloseMainWindow(pid int) error { return interruptProcess(pid) }

// A ProcessHandle tracks a single OS process that backs a module. A handle
// can be started at most once; after its process exits it cannot be reused.
//
// When the process exits, the handle invokes every callback registered with
// OnExit. Each callback is invoked at most once, no matter how the exit was
// brought about.
type ProcessHandle struct {
	path string
	args []string

	μ       sync.Mutex
	control WindowControl
	log     *zap.Logger
	pid     int
	proc    *os.Process
	state   ProcessState
	exitErr error
	onExit  []func() // pending exit callbacks
	done    chan struct{}

	fireμ sync.Mutex // held while exit callbacks run
}

// NewProcess constructs an unstarted handle for the program at path with the
// given arguments.
func NewProcess(path string, args ...string) *ProcessHandle {
	return &ProcessHandle{
		path:    path,
		args:    args,
		control: SignalControl{},
		log:     zap.NewNop(),
		done:    make(chan struct{}),
	}
}

// WindowControl sets the window facility used by h, and returns h to permit
// chaining. If c == nil, a [SignalControl] is used.
func (h *ProcessHandle) WindowControl(c WindowControl) *ProcessHandle {
	h.μ.Lock()
	defer h.μ.Unlock()
	if c == nil {
		c = SignalControl{}
	}
	h.control = c
	return h
}

// Logger sets the logger used by h, and returns h to permit chaining.
func (h *ProcessHandle) Logger(log *zap.Logger) *ProcessHandle {
	h.μ.Lock()
	defer h.μ.Unlock()
	if log == nil {
		log = zap.NewNop()
	}
	h.log = log
	return h
}

// OnExit adds f to the callbacks run when the process exits, and returns h
// to permit chaining. Callbacks run in the order they were added. If the
// process has already exited, f is called before OnExit returns. A nil f is
// ignored.
func (h *ProcessHandle) OnExit(f func()) *ProcessHandle {
	if f == nil {
		return h
	}
	h.μ.Lock()
	h.onExit = append(h.onExit, f)
	exited := h.state == Exited
	h.μ.Unlock()
	if exited {
		h.fire()
	}
	return h
}

// fire runs and discards the pending exit callbacks. Concurrent callers block
// until the callbacks taken by any of them have finished.
func (h *ProcessHandle) fire() {
	h.fireμ.Lock()
	defer h.fireμ.Unlock()
	h.μ.Lock()
	fs := h.onExit
	h.onExit = nil
	h.μ.Unlock()
	for _, f := range fs {
		f()
	}
}

// Path returns the launch path of h.
func (h *ProcessHandle) Path() string { return h.path }

// Pid returns the OS process ID of h, or 0 if it has not been started.
func (h *ProcessHandle) Pid() int {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.pid
}

// State reports the current lifecycle state of h.
func (h *ProcessHandle) State() ProcessState {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.state
}

// Done returns a channel that is closed when the process has exited.
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

// Start launches the process. It reports an error of kind
// ProcessLaunchFailure if the launch path is empty, if h was already
// started, or if the OS refuses to start the program.
func (h *ProcessHandle) Start() error {
	if strings.TrimSpace(h.path) == "" {
		return &ProcessError{Kind: ProcessLaunchFailure, Err: errors.New("launch path is empty")}
	}

	h.μ.Lock()
	defer h.μ.Unlock()
	if h.state != NotStarted {
		return &ProcessError{
			Kind: ProcessLaunchFailure, Path: h.path, Pid: h.pid,
			Err: fmt.Errorf("handle is %v", h.state),
		}
	}

	cmd := exec.Command(h.path, h.args...)
	if err := cmd.Start(); err != nil {
		return &ProcessError{Kind: ProcessLaunchFailure, Path: h.path, Err: err}
	}
	h.pid = cmd.Process.Pid
	h.proc = cmd.Process
	h.state = Running
	h.log.Info("process started", zap.String("path", h.path), zap.Int("pid", h.pid))

	taskgroup.Go(func() error {
		err := cmd.Wait()

		h.μ.Lock()
		h.state = Exited
		h.exitErr = err
		close(h.done)
		log := h.log
		h.μ.Unlock()

		log.Info("process exited", zap.String("path", h.path), zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		h.fire()
		return nil
	})
	return nil
}

// liveLocked reports whether the tracked process is alive. The caller must
// hold h.μ. The handle reaps its own child, so the pid cannot be reused by
// another process while the state is Running. A child that has terminated
// but is not yet reaped is not alive.
func (h *ProcessHandle) liveLocked() bool {
	return h.state == Running && processAlive(h.pid)
}

// IsRunning reports whether the tracked process is still alive.
func (h *ProcessHandle) IsRunning() bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.liveLocked()
}

// ActivateForeground brings the main window of the process to the
// foreground. It reports an error of kind ProcessNotFound if the process is
// not alive.
func (h *ProcessHandle) ActivateForeground() (bool, error) {
	h.μ.Lock()
	live, pid, ctl := h.liveLocked(), h.pid, h.control
	h.μ.Unlock()
	if !live {
		return false, &ProcessError{Kind: ProcessNotFound, Path: h.path, Pid: pid}
	}
	return ctl.Activate(pid)
}

// Close asks the process to terminate gracefully. If the process is not
// running, Close does nothing and returns nil.
func (h *ProcessHandle) Close() error {
	h.μ.Lock()
	live, pid, ctl := h.liveLocked(), h.pid, h.control
	h.μ.Unlock()
	if !live {
		return nil
	}
	if err := ctl.CloseMainWindow(pid); err != nil {
		return &ProcessError{Kind: ProcessNotFound, Path: h.path, Pid: pid, Err: err}
	}
	return nil
}

// Kill forcibly terminates the process and blocks until the handle has
// observed its exit. If the process was not started or has already been
// reaped, Kill does nothing and returns nil.
func (h *ProcessHandle) Kill() error {
	h.μ.Lock()
	state, pid, proc := h.state, h.pid, h.proc
	h.μ.Unlock()
	if state != Running {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &ProcessError{Kind: ProcessNotFound, Path: h.path, Pid: pid, Err: err}
	}
	<-h.done
	return nil
}

// Wait blocks until the process exits or ctx ends. If the process exits, Wait
// returns its exit status (nil for a clean exit). If h was never started,
// Wait reports an error of kind ProcessNotFound.
func (h *ProcessHandle) Wait(ctx context.Context) error {
	if h.State() == NotStarted {
		return &ProcessError{Kind: ProcessNotFound, Path: h.path, Err: errors.New("not started")}
	}
	select {
	case <-h.done:
		h.μ.Lock()
		defer h.μ.Unlock()
		return h.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
