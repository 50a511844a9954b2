// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package grpcbind exposes a synapse dispatcher as a gRPC service, and
// provides a synapse.Transport that calls it.
//
// The service has a single unary method, /synapse.Runner/Invoke, whose
// request and response messages are the binary encodings of synapse.Request
// and synapse.Response. No generated protobuf code is involved: the server
// and client both force the [Codec] defined here.
package grpcbind

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/synapse"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "synapse.Runner"

const invokeMethod = "/" + ServiceName + "/Invoke"

// Codec is the gRPC codec for synapse messages. It encodes values that
// implement MarshalBinary and decodes into values that implement
// UnmarshalBinary, which includes *synapse.Request and *synapse.Response.
var Codec binaryCodec

type binaryCodec struct{}

// Name implements part of the encoding.Codec interface.
func (binaryCodec) Name() string { return "synapse" }

// Marshal implements part of the encoding.Codec interface.
func (binaryCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(interface{ MarshalBinary() ([]byte, error) })
	if !ok {
		return nil, fmt.Errorf("cannot encode %T", v)
	}
	return m.MarshalBinary()
}

// Unmarshal implements part of the encoding.Codec interface.
func (binaryCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(interface{ UnmarshalBinary([]byte) error })
	if !ok {
		return fmt.Errorf("cannot decode into %T", v)
	}
	return u.UnmarshalBinary(data)
}

// RunnerServer is the server API of the synapse.Runner service.
type RunnerServer interface {
	Invoke(context.Context, *synapse.Request) (*synapse.Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Invoke",
		Handler:    invokeHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "synapse.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, icept grpc.UnaryServerInterceptor) (any, error) {
	in := new(synapse.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if icept == nil {
		return srv.(RunnerServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	return icept(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(RunnerServer).Invoke(ctx, req.(*synapse.Request))
	})
}

// Runner implements [RunnerServer] by delegating to a dispatcher.
type Runner struct {
	d   synapse.Dispatcher
	log *zap.Logger
}

// NewRunner constructs a Runner that delegates calls to d. If log == nil,
// nothing is logged.
func NewRunner(d synapse.Dispatcher, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{d: d, log: log}
}

// Invoke implements the [RunnerServer] interface. A failed call is reported
// in the response, not as a gRPC error.
func (r *Runner) Invoke(ctx context.Context, req *synapse.Request) (*synapse.Response, error) {
	rsp := synapse.WireResponse(r.d.Invoke(ctx, req))
	if rsp.Error != nil {
		r.log.Debug("grpc call failed", zap.String("method", req.Method), zap.Error(rsp.Error))
	}
	return rsp, nil
}

// Register registers a Runner for d with s. The server must be constructed
// with the [ServerCodec] option.
func Register(s *grpc.Server, d synapse.Dispatcher, log *zap.Logger) {
	s.RegisterService(&serviceDesc, NewRunner(d, log))
}

// ServerCodec is a server option that selects [Codec] for all requests.
func ServerCodec() grpc.ServerOption { return grpc.ForceServerCodec(Codec) }

// NewServer constructs a gRPC server with a Runner for d registered. Any
// additional options are passed to the server.
func NewServer(d synapse.Dispatcher, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(append([]grpc.ServerOption{ServerCodec()}, opts...)...)
	Register(s, d, log)
	return s
}

// Serve serves d over gRPC on lst until ctx ends or the server fails. When
// ctx ends, calls in progress are allowed to finish.
func Serve(ctx context.Context, lst net.Listener, d synapse.Dispatcher, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	s := NewServer(d, log)
	done := make(chan struct{})
	stop := taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			s.GracefulStop()
		case <-done:
		}
		return nil
	})
	log.Info("grpc service started", zap.Stringer("addr", lst.Addr()))
	err := s.Serve(lst)
	close(done)
	stop.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	return err
}

// Transport is a synapse.Transport that calls a Runner over gRPC.
type Transport struct {
	conn *grpc.ClientConn
}

// Dial constructs a Transport for the gRPC service at target. The connection
// is established lazily, and is not encrypted unless opts say otherwise.
func Dial(target string, opts ...grpc.DialOption) (*Transport, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &Transport{conn: conn}, nil
}

// RoundTrip implements the synapse.Transport interface.
func (t *Transport) RoundTrip(ctx context.Context, req *synapse.Request) (*synapse.Response, error) {
	rsp := new(synapse.Response)
	if err := t.conn.Invoke(ctx, invokeMethod, req, rsp); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("%w: %v", cerr, err)
		}
		return nil, err
	}
	return rsp, nil
}

// Close implements the synapse.Transport interface.
func (t *Transport) Close() error { return t.conn.Close() }
