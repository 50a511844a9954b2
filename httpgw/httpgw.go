// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package httpgw exposes a synapse dispatcher as a JSON-RPC 2.0 service over
// HTTP, and provides a synapse.Transport that calls it.
//
// The service has one method, "Synapse.Invoke", whose parameters name the
// target method and carry its argument list as a JSON array:
//
//	{"jsonrpc": "2.0", "id": 1, "method": "Synapse.Invoke",
//	 "params": {"method": "area", "args": [3, 4]}}
//
// A failed call is reported in the result, not as a JSON-RPC error; JSON-RPC
// errors denote requests the gateway could not process at all. Because the
// arguments and results are embedded as JSON, the dispatcher must use the
// synapse.JSON codec.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/creachadair/synapse"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// DefaultPath is the URL path at which [Serve] mounts the gateway.
const DefaultPath = "/rpc"

// InvokeMethod is the JSON-RPC method name of the gateway.
const InvokeMethod = "Synapse.Invoke"

// InvokeArgs are the parameters of an InvokeMethod call.
type InvokeArgs struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// InvokeReply is the result of an InvokeMethod call. Exactly one of Result
// and Error is set.
type InvokeReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorReply     `json:"error,omitempty"`
}

// ErrorReply is the JSON form of a synapse.ErrorEnvelope.
type ErrorReply struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Gateway is the JSON-RPC service implementation. Its exported methods are
// registered with the RPC server by [NewHandler].
type Gateway struct {
	d   synapse.Dispatcher
	log *zap.Logger
}

// Invoke dispatches a call described by args and fills in reply.
func (g *Gateway) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	if args.Method == "" {
		return &json2.Error{Code: json2.E_INVALID_REQ, Message: "missing method name"}
	}
	rsp := synapse.WireResponse(g.d.Invoke(r.Context(), &synapse.Request{
		Method: args.Method,
		Args:   args.Args,
	}))
	if e := rsp.Error; e != nil {
		g.log.Debug("http call failed", zap.String("method", args.Method), zap.Error(e))
		reply.Error = &ErrorReply{Code: int(e.Kind), Kind: e.Kind.String(), Message: e.Message, Detail: e.Detail}
		return nil
	}
	if !json.Valid(rsp.Result) {
		return &json2.Error{Code: json2.E_INTERNAL, Message: "result is not JSON"}
	}
	reply.Result = rsp.Result
	return nil
}

// NewHandler returns an HTTP handler that serves the gateway for d. If log ==
// nil, nothing is logged.
func NewHandler(d synapse.Dispatcher, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Gateway{d: d, log: log}, "Synapse"); err != nil {
		panic(fmt.Sprintf("register gateway: %v", err))
	}
	return s
}

// Serve serves the gateway for d at DefaultPath on lst until ctx ends or the
// server fails.
func Serve(ctx context.Context, lst net.Listener, d synapse.Dispatcher, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, NewHandler(d, log))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	done := make(chan struct{})
	stop := taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		case <-done:
			return nil
		}
	})
	log.Info("http gateway started", zap.Stringer("addr", lst.Addr()), zap.String("path", DefaultPath))
	err := srv.Serve(lst)
	close(done)
	serr := stop.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return serr
	}
	return err
}

// Transport is a synapse.Transport that calls a gateway over HTTP. The client
// must use the synapse.JSON codec.
type Transport struct {
	url string
	hc  *http.Client
}

// NewTransport constructs a Transport for the gateway at url. If hc == nil,
// http.DefaultClient is used.
func NewTransport(url string, hc *http.Client) *Transport {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Transport{url: url, hc: hc}
}

// RoundTrip implements the synapse.Transport interface.
func (t *Transport) RoundTrip(ctx context.Context, req *synapse.Request) (*synapse.Response, error) {
	body, err := json2.EncodeClientRequest(InvokeMethod, &InvokeArgs{Method: req.Method, Args: req.Args})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	hrsp, err := t.hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, hrsp.Body)
		hrsp.Body.Close()
	}()
	if hrsp.StatusCode < 200 || hrsp.StatusCode > 299 {
		return nil, fmt.Errorf("received status %s", hrsp.Status)
	}

	var reply InvokeReply
	if err := json2.DecodeClientResponse(hrsp.Body, &reply); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if e := reply.Error; e != nil {
		kind := synapse.ErrorKind(e.Code)
		if e.Code < 0 || e.Code > 255 || !kind.IsWire() {
			return nil, fmt.Errorf("invalid error code %d", e.Code)
		}
		return synapse.Failure(synapse.ErrorEnvelope{Kind: kind, Message: e.Message, Detail: e.Detail}), nil
	}
	return synapse.Success(reply.Result), nil
}

// Close implements the synapse.Transport interface. It does nothing.
func (t *Transport) Close() error { return nil }
