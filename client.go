// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"context"
	"fmt"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Default endpoint settings for a dispatch service.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8278
	DefaultAddr = "127.0.0.1:8278"
)

// DefaultTimeout is the per-call timeout of a new [Client].
const DefaultTimeout = 30 * time.Second

// A Transport carries requests to a dispatch service and returns its
// responses. An error from RoundTrip means the request did not complete; a
// completed request that failed is reported by the Error field of its
// response. A *Peer satisfies this interface.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// A Client invokes methods of a remote dispatch service by name, encoding
// arguments and decoding results with its codec. A Client is safe for
// concurrent use by multiple goroutines, to the extent its transport is.
//
// Errors reported by the calling methods of a Client have concrete type
// *CallError.
type Client struct {
	t       Transport
	codec   Codec
	timeout time.Duration
	log     *zap.Logger
}

// NewClient constructs a client that sends calls via t.
func NewClient(t Transport) *Client {
	return &Client{t: t, codec: JSON, timeout: DefaultTimeout, log: zap.NewNop()}
}

// Codec sets the codec used by c, and returns c to permit chaining. It must
// agree with the codec of the service. If cc == nil, the JSON codec is used.
func (c *Client) Codec(cc Codec) *Client {
	if cc == nil {
		cc = JSON
	}
	c.codec = cc
	return c
}

// Timeout sets the per-call timeout of c, and returns c to permit chaining.
// If d <= 0, calls are bounded only by their contexts.
func (c *Client) Timeout(d time.Duration) *Client { c.timeout = d; return c }

// Logger sets the logger used by c, and returns c to permit chaining.
func (c *Client) Logger(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c.log = log
	return c
}

// Transport returns the transport used by c.
func (c *Client) Transport() Transport { return c.t }

// Close closes the transport of c.
func (c *Client) Close() error { return c.t.Close() }

// Call invokes the named method with the given arguments, and blocks until
// the call completes, ctx ends, or the call times out.
//
// If the call cannot be delivered or its response is not received in time,
// the error has kind TransportFailure. If the service reports a failure, the
// error carries the kind and message reported by the service.
func (c *Client) Call(ctx context.Context, method string, args ...any) (Result, error) {
	data, err := c.codec.EncodeArgs(args)
	if err != nil {
		return Result{}, transportError(method, fmt.Errorf("encoding arguments: %w", err))
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	rsp, err := c.t.RoundTrip(ctx, &Request{Method: method, Args: data})
	if err != nil {
		c.log.Debug("call not delivered", zap.String("method", method), zap.Error(err))
		return Result{}, transportError(method, err)
	}
	if rsp.Error != nil {
		c.log.Debug("call failed", zap.String("method", method), zap.Error(rsp.Error))
		return Result{}, &CallError{ErrorEnvelope: *rsp.Error, Method: method}
	}
	return Result{method: method, data: rsp.Result, codec: c.codec}, nil
}

// CallAs invokes the named method on c and decodes its result as a value of
// type T. If the result does not fit T, the error has kind
// ClientDeserializationFailure even though the service reported success.
func CallAs[T any](ctx context.Context, c *Client, method string, args ...any) (T, error) {
	var out T
	res, err := c.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	err = res.Decode(&out)
	return out, err
}

// Methods returns descriptions of the methods registered with the service.
func (c *Client) Methods(ctx context.Context) ([]MethodInfo, error) {
	return CallAs[[]MethodInfo](ctx, c, MethodsID)
}

// Go invokes the named method without blocking. The call is governed by ctx
// and the timeout of c as for Call. Use the Future to collect the result.
func (c *Client) Go(ctx context.Context, method string, args ...any) *Future {
	f := &Future{done: make(chan struct{})}
	taskgroup.Go(func() error {
		defer close(f.done)
		f.res, f.err = c.Call(ctx, method, args...)
		return nil
	})
	return f
}

// A Future is the pending result of a call started by [Client.Go].
type Future struct {
	done chan struct{}
	res  Result
	err  error
}

// Done returns a channel that is closed when the call has completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the call has completed and returns its result.
func (f *Future) Wait() (Result, error) { <-f.done; return f.res, f.err }

// Await blocks until f completes and decodes its result as a value of type T.
func Await[T any](f *Future) (T, error) {
	var out T
	res, err := f.Wait()
	if err != nil {
		return out, err
	}
	err = res.Decode(&out)
	return out, err
}

// Result is the encoded result of a successful call.
type Result struct {
	method string
	data   []byte
	codec  Codec
}

// Bytes returns the encoded result.
func (r Result) Bytes() []byte { return r.data }

// Decode decodes the result into v, which must be a pointer. If the result
// does not fit v, Decode reports a *CallError of kind
// ClientDeserializationFailure.
func (r Result) Decode(v any) error {
	if r.codec == nil {
		return decodeError(r.method, fmt.Errorf("no result"))
	}
	if err := r.codec.Decode(r.data, v); err != nil {
		return decodeError(r.method, err)
	}
	return nil
}
