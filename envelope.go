// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"errors"
	"fmt"

	"github.com/creachadair/synapse/packet"
)

// ErrorKind classifies a failure. The kinds up to and including
// DuplicateMethodID may be reported by a dispatch service; the remaining kinds
// are only ever produced locally and never cross the wire.
//
// An ErrorKind is itself an error, so that callers can test the kind of any
// error produced by this package with [errors.Is]:
//
//	if errors.Is(err, synapse.MethodNotFound) { ... }
type ErrorKind byte

const (
	MethodNotFound           ErrorKind = 1 // No method registered for the requested ID
	ModuleUnavailable        ErrorKind = 2 // The owning module's process is not running
	ArityMismatch            ErrorKind = 3 // Wrong number of arguments
	DeserializationFailure   ErrorKind = 4 // Arguments could not be decoded
	HandlerInvocationFailure ErrorKind = 5 // The handler reported an error or panicked
	DuplicateMethodID        ErrorKind = 6 // Registration conflict (registration only)

	maxWireKind = DuplicateMethodID

	TransportFailure             ErrorKind = 64 // The call never reached the host
	ClientDeserializationFailure ErrorKind = 65 // The result did not fit the caller's shape
	ProcessLaunchFailure         ErrorKind = 66 // A module process could not be started
	ProcessNotFound              ErrorKind = 67 // A tracked process is no longer alive
)

func (k ErrorKind) String() string {
	switch k {
	case MethodNotFound:
		return "METHOD_NOT_FOUND"
	case ModuleUnavailable:
		return "MODULE_UNAVAILABLE"
	case ArityMismatch:
		return "ARITY_MISMATCH"
	case DeserializationFailure:
		return "DESERIALIZATION_FAILURE"
	case HandlerInvocationFailure:
		return "HANDLER_INVOCATION_FAILURE"
	case DuplicateMethodID:
		return "DUPLICATE_METHOD_ID"
	case TransportFailure:
		return "TRANSPORT_FAILURE"
	case ClientDeserializationFailure:
		return "CLIENT_DESERIALIZATION_FAILURE"
	case ProcessLaunchFailure:
		return "PROCESS_LAUNCH_FAILURE"
	case ProcessNotFound:
		return "PROCESS_NOT_FOUND"
	default:
		return fmt.Sprintf("kind %d", byte(k))
	}
}

// Error implements the error interface, allowing a kind to be used as a
// target for [errors.Is].
func (k ErrorKind) Error() string { return k.String() }

// IsWire reports whether k is a kind that may be carried in a response.
func (k ErrorKind) IsWire() bool { return k >= MethodNotFound && k <= maxWireKind }

// KindOf reports the ErrorKind of err, or 0 if err does not carry a kind.
func KindOf(err error) ErrorKind {
	var ek interface{ errorKind() ErrorKind }
	if errors.As(err, &ek) {
		return ek.errorKind()
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

// ErrorEnvelope is the structured description of a failed call. It is the
// only form in which a failure crosses the process boundary.
type ErrorEnvelope struct {
	Kind    ErrorKind
	Message string
	Detail  string // optional
}

// Error implements the error interface.
func (e ErrorEnvelope) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	} else {
		msg = fmt.Sprintf("%v: %s", e.Kind, msg)
	}
	if e.Detail != "" {
		return msg + " (" + e.Detail + ")"
	}
	return msg
}

// Is reports whether target is the ErrorKind of e.
func (e ErrorEnvelope) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

func (e ErrorEnvelope) errorKind() ErrorKind { return e.Kind }

func envelopef(kind ErrorKind, msg string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Kind: kind, Message: fmt.Sprintf(msg, args...)}
}

// Request is a request to invoke the named method with encoded arguments.
// Args is the codec encoding of the ordered argument list; an empty Args is
// treated as an empty argument list.
type Request struct {
	Method string
	Args   []byte
}

// Encode encodes the request in binary format.
func (r Request) Encode() []byte {
	var b packet.Builder
	b.Grow(packet.VLen(len(r.Method)) + packet.VLen(len(r.Args)))
	b.VPutString(r.Method)
	b.VPut(r.Args)
	return b.Bytes()
}

// Decode decodes data into a request.
func (r *Request) Decode(data []byte) error {
	s := packet.NewScanner(data)
	method, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("request method: %w", err)
	}
	args, err := packet.VGet[[]byte](s)
	if err != nil {
		return fmt.Errorf("request args: %w", err)
	}
	if err := s.Done(); err != nil {
		return fmt.Errorf("request: %w", err)
	}
	r.Method = method
	r.Args = nil
	if len(args) != 0 {
		r.Args = args
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Request) MarshalBinary() ([]byte, error) { return r.Encode(), nil }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Request) UnmarshalBinary(data []byte) error { return r.Decode(data) }

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(Method=%q, Args=%q)", r.Method, r.Args)
}

// Response is the outcome of a call. Exactly one of Result and Error is
// meaningful: if Error != nil the call failed, otherwise Result holds the
// codec encoding of the result value.
type Response struct {
	Result []byte
	Error  *ErrorEnvelope
}

// Success returns a successful response carrying the given result.
func Success(result []byte) *Response { return &Response{Result: result} }

// Failure returns a failed response carrying a copy of e.
func Failure(e ErrorEnvelope) *Response { return &Response{Error: &e} }

// OK reports whether r is a successful response.
func (r *Response) OK() bool { return r.Error == nil }

// WireResponse returns rsp in a form that can be sent to a caller. A nil
// response, or one reporting an error kind that may not cross the wire, is
// converted to a HandlerInvocationFailure.
func WireResponse(rsp *Response) *Response {
	if rsp == nil {
		return Failure(ErrorEnvelope{Kind: HandlerInvocationFailure, Message: "no response"})
	} else if rsp.Error != nil && !rsp.Error.Kind.IsWire() {
		return Failure(ErrorEnvelope{Kind: HandlerInvocationFailure, Message: rsp.Error.Error()})
	}
	return rsp
}

const (
	tagResult = 0
	tagError  = 1
)

// Encode encodes the response in binary format.
func (r Response) Encode() []byte {
	var b packet.Builder
	if r.Error == nil {
		b.Grow(1 + packet.VLen(len(r.Result)))
		b.Put(tagResult)
		b.VPut(r.Result)
		return b.Bytes()
	}
	b.Put(tagError, byte(r.Error.Kind))
	b.VPutString(r.Error.Message)
	b.VPutString(r.Error.Detail)
	return b.Bytes()
}

// Decode decodes data into a response. A response reporting an error kind
// that is not permitted on the wire is rejected.
func (r *Response) Decode(data []byte) error {
	s := packet.NewScanner(data)
	tag, err := s.Byte()
	if err != nil {
		return fmt.Errorf("response tag: %w", err)
	}
	switch tag {
	case tagResult:
		res, err := packet.VGet[[]byte](s)
		if err != nil {
			return fmt.Errorf("response result: %w", err)
		}
		*r = Response{Result: res}

	case tagError:
		kb, err := s.Byte()
		if err != nil {
			return fmt.Errorf("response error kind: %w", err)
		}
		kind := ErrorKind(kb)
		if !kind.IsWire() {
			return fmt.Errorf("invalid error kind %d", kb)
		}
		msg, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("response error message: %w", err)
		}
		detail, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("response error detail: %w", err)
		}
		*r = Response{Error: &ErrorEnvelope{Kind: kind, Message: msg, Detail: detail}}

	default:
		return fmt.Errorf("invalid response tag %d", tag)
	}
	return s.Done()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Response) MarshalBinary() ([]byte, error) { return r.Encode(), nil }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error { return r.Decode(data) }

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	if r.Error != nil {
		return fmt.Sprintf("Response(Error=%v)", *r.Error)
	}
	if len(r.Result) > 32 {
		return fmt.Sprintf("Response(Result=%q ...)", r.Result[:32])
	}
	return fmt.Sprintf("Response(Result=%q)", r.Result)
}
