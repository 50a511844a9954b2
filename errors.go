// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import "fmt"

// CallError is the concrete type of errors reported by the calling methods of
// a [Client].
//
// For errors reported by the remote service, Err is nil and the embedded
// envelope carries the service's description. For failures to reach the
// service at all, Kind is TransportFailure and Err is the underlying cause.
// When the service succeeded but the result could not be decoded, Kind is
// ClientDeserializationFailure and Err is the decoding error.
type CallError struct {
	ErrorEnvelope
	Method string // the method that was called
	Err    error  // nil for service errors
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %q: %v: %v", c.Method, c.Kind, c.Err)
	}
	return fmt.Sprintf("call %q: %v", c.Method, c.ErrorEnvelope.Error())
}

// Remote reports whether c describes a failure reported by the remote
// service, as opposed to a failure observed only by the caller.
func (c *CallError) Remote() bool { return c.Kind.IsWire() }

func transportError(method string, err error) *CallError {
	return &CallError{
		ErrorEnvelope: ErrorEnvelope{Kind: TransportFailure, Message: err.Error()},
		Method:        method,
		Err:           err,
	}
}

func decodeError(method string, err error) *CallError {
	return &CallError{
		ErrorEnvelope: ErrorEnvelope{Kind: ClientDeserializationFailure, Message: err.Error()},
		Method:        method,
		Err:           err,
	}
}

// ProcessError is the concrete type of errors reported by the methods of a
// [ProcessHandle]. Its Kind is ProcessLaunchFailure or ProcessNotFound.
type ProcessError struct {
	Kind ErrorKind
	Path string // the launch path of the process
	Pid  int    // the tracked process ID, or 0
	Err  error  // the underlying cause, if any
}

// Error satisfies the error interface.
func (p *ProcessError) Error() string {
	msg := fmt.Sprintf("process %q", p.Path)
	if p.Pid > 0 {
		msg += fmt.Sprintf(" [pid %d]", p.Pid)
	}
	msg += ": " + p.Kind.String()
	if p.Err != nil {
		msg += ": " + p.Err.Error()
	}
	return msg
}

// Unwrap reports the underlying error of p.
func (p *ProcessError) Unwrap() error { return p.Err }

// Is reports whether target is the ErrorKind of p.
func (p *ProcessError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == p.Kind
}

func (p *ProcessError) errorKind() ErrorKind { return p.Kind }

// ArgError reports that an argument could not be decoded into the type a
// handler expected. A handler that returns an ArgError (possibly wrapped) is
// reported to the caller as a DeserializationFailure rather than a handler
// failure.
type ArgError struct {
	Index int    // 0-based argument position
	Type  string // the expected type, if known
	Err   error
}

// Error satisfies the error interface.
func (a *ArgError) Error() string {
	if a.Type != "" {
		return fmt.Sprintf("argument %d (%s): %v", a.Index+1, a.Type, a.Err)
	}
	return fmt.Sprintf("argument %d: %v", a.Index+1, a.Err)
}

// Unwrap reports the underlying error of a.
func (a *ArgError) Unwrap() error { return a.Err }
