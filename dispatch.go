// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// MethodsID is the method ID of the built-in discovery method. It takes no
// arguments and returns a []MethodInfo describing every registered method.
const MethodsID = "synapse.methods"

// reservedPrefix is the prefix of method and module IDs reserved for
// built-in methods.
const reservedPrefix = "synapse"

// A Dispatcher services invocation requests. Every call to Invoke returns a
// non-nil Response, even if the call failed.
type Dispatcher interface {
	Invoke(ctx context.Context, req *Request) *Response
}

// DispatchFunc adapts a function to the [Dispatcher] interface.
type DispatchFunc func(ctx context.Context, req *Request) *Response

// Invoke implements the [Dispatcher] interface.
func (f DispatchFunc) Invoke(ctx context.Context, req *Request) *Response { return f(ctx, req) }

// A Service resolves invocation requests against a [Registry] and executes
// the matching handlers. A Service is safe for concurrent use by multiple
// goroutines: requests are resolved and validated on the calling goroutine,
// and handlers are executed by the service's [Executor].
//
// By default, a Service encodes values with the [JSON] codec and executes
// handlers on a private [Queue]. Call Close to release the queue.
type Service struct {
	reg     *Registry
	codec   Codec
	exec    Executor
	owned   *Queue // the default executor, if still in use
	log     *zap.Logger
	metrics *serviceMetrics
}

// NewService constructs a new service that dispatches to the methods of reg.
// If reg == nil, a new empty registry is created. NewService panics if reg
// already assigns the built-in method IDs to some other module.
func NewService(reg *Registry) *Service {
	if reg == nil {
		reg = NewRegistry()
	}
	q := NewQueue()
	s := &Service{
		reg:     reg,
		codec:   JSON,
		exec:    q,
		owned:   q,
		log:     zap.NewNop(),
		metrics: newServiceMetrics(reg),
	}
	if _, err := reg.Register(NewModule(reservedPrefix, nil, map[string]Method{
		MethodsID: {Handler: s.listMethods},
	})); err != nil {
		panic(fmt.Sprintf("register built-in methods: %v", err))
	}
	return s
}

// Codec sets the codec used by s, and returns s to permit chaining.
// If c == nil, the JSON codec is used.
func (s *Service) Codec(c Codec) *Service {
	if c == nil {
		c = JSON
	}
	s.codec = c
	return s
}

// Executor sets the executor used to run handlers, and returns s to permit
// chaining. If e == nil, handlers run on the calling goroutine.
func (s *Service) Executor(e Executor) *Service {
	if e == nil {
		e = Inline
	}
	if s.owned != nil {
		s.owned.Close()
		s.owned = nil
	}
	s.exec = e
	return s
}

// Logger sets the logger used by s, and returns s to permit chaining.
func (s *Service) Logger(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s.log = log
	return s
}

// Registry returns the registry used by s.
func (s *Service) Registry() *Registry { return s.reg }

// Metrics returns a metrics map for the service. It is safe for the caller
// to add additional metrics to the map while the service is active.
func (s *Service) Metrics() *expvar.Map { return s.metrics.emap }

// Close releases the default executor of s, if it is still in use, after all
// work already submitted to it has finished.
func (s *Service) Close() error {
	if s.owned != nil {
		return s.owned.Close()
	}
	return nil
}

// RegisterModule registers a module with the given identity, backing
// process, and methods. If proc != nil, the module is automatically removed
// from the registry when proc exits.
//
// If a module with this identity is already registered, RegisterModule
// returns it without change. If any of the methods is already registered to a
// different module, RegisterModule reports an error of kind DuplicateMethodID
// and nothing is registered.
func (s *Service) RegisterModule(id string, proc *ProcessHandle, methods map[string]Method) (*Module, error) {
	if id == reservedPrefix {
		return nil, fmt.Errorf("module ID %q is reserved", id)
	} else if old, ok := s.reg.Lookup(id); ok {
		return old, nil
	}
	if err := checkModule(id, methods); err != nil {
		return nil, err
	}
	var p Process
	if proc != nil {
		p = proc
	}
	m := NewModule(id, p, methods)
	got, err := s.reg.Register(m)
	if err != nil {
		s.log.Warn("module registration failed", zap.String("module", id), zap.Error(err))
		return nil, err
	} else if got != m {
		return got, nil
	}
	s.log.Info("module registered", zap.String("module", id),
		zap.String("instance", m.Instance()), zap.Int("methods", len(methods)))

	if proc != nil {
		proc.OnExit(func() {
			if s.reg.Remove(m) {
				s.metrics.procExits.Add(1)
				s.log.Info("module process exited, deregistered",
					zap.String("module", id), zap.String("instance", m.Instance()))
			}
		})
	}
	return m, nil
}

func checkModule(id string, methods map[string]Method) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("module ID is empty")
	} else if id == reservedPrefix {
		return fmt.Errorf("module ID %q is reserved", id)
	}
	for name, m := range methods {
		switch {
		case name == "":
			return fmt.Errorf("module %q: empty method ID", id)
		case strings.HasPrefix(name, reservedPrefix+"."):
			return fmt.Errorf("module %q: method ID %q is reserved", id, name)
		case m.Handler == nil:
			return fmt.Errorf("module %q: method %q has no handler", id, name)
		case m.Arity < 0:
			return fmt.Errorf("module %q: method %q has negative arity", id, name)
		case len(m.Params) != 0 && len(m.Params) != m.Arity:
			return fmt.Errorf("module %q: method %q has %d parameter tags for arity %d",
				id, name, len(m.Params), m.Arity)
		}
	}
	return nil
}

// DeregisterModule removes the module with the given identity and all its
// methods. It reports whether a module was removed; deregistering a module
// that is not registered is a no-op.
func (s *Service) DeregisterModule(id string) bool {
	if id == reservedPrefix {
		return false
	}
	ok := s.reg.Deregister(id)
	if ok {
		s.log.Info("module deregistered", zap.String("module", id))
	}
	return ok
}

// Invoke resolves and executes the method named by req, and returns a
// response describing the outcome. It implements the [Dispatcher] interface.
func (s *Service) Invoke(ctx context.Context, req *Request) (rsp *Response) {
	s.metrics.callIn.Add(1)
	s.metrics.callActive.Add(1)
	defer func() {
		s.metrics.callActive.Add(-1)
		if rsp.Error != nil {
			s.metrics.failed(rsp.Error.Kind)
			s.log.Debug("call failed", zap.String("method", req.Method), zap.Error(rsp.Error))
		}
	}()

	meth, mod, ok := s.reg.Resolve(req.Method)
	if !ok {
		return Failure(ErrorEnvelope{
			Kind:    MethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		})
	}

	// The module may have exited after it was resolved but before its removal
	// from the registry.
	if !mod.Available() {
		return Failure(ErrorEnvelope{
			Kind:    ModuleUnavailable,
			Message: fmt.Sprintf("module %q is not running", mod.ID()),
			Detail:  "method " + req.Method,
		})
	}

	raw, err := s.codec.SplitArgs(req.Args)
	if err != nil {
		return Failure(ErrorEnvelope{
			Kind:    DeserializationFailure,
			Message: fmt.Sprintf("decoding %s arguments: %v", s.codec.Name(), err),
		})
	}
	if len(raw) != meth.Arity {
		return Failure(ErrorEnvelope{
			Kind:    ArityMismatch,
			Message: fmt.Sprintf("method %q takes %d arguments", req.Method, meth.Arity),
			Detail:  fmt.Sprintf("expected %d arguments, got %d", meth.Arity, len(raw)),
		})
	}

	var result any
	var herr error
	hctx := context.WithValue(ctx, moduleContextKey{}, mod)
	args := NewArgs(s.codec, raw)
	if err := s.exec.Run(ctx, func() {
		result, herr = callHandler(hctx, meth.Handler, args)
	}); err != nil {
		return Failure(ErrorEnvelope{
			Kind:    HandlerInvocationFailure,
			Message: fmt.Sprintf("call abandoned: %v", err),
		})
	}
	if herr != nil {
		return Failure(handlerEnvelope(herr))
	}

	data, err := s.codec.Encode(result)
	if err != nil {
		return Failure(ErrorEnvelope{
			Kind:    HandlerInvocationFailure,
			Message: fmt.Sprintf("encoding result: %v", err),
		})
	}
	return Success(data)
}

func callHandler(ctx context.Context, h Handler, args Args) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, args)
}

// handlerEnvelope converts an error reported by a handler into an envelope.
// A handler may return an ErrorEnvelope with a wire kind to control the
// report directly.
func handlerEnvelope(err error) ErrorEnvelope {
	var ae *ArgError
	if errors.As(err, &ae) {
		return ErrorEnvelope{Kind: DeserializationFailure, Message: err.Error()}
	}
	var pe *ErrorEnvelope
	if errors.As(err, &pe) && pe.Kind.IsWire() {
		return *pe
	}
	var ve ErrorEnvelope
	if errors.As(err, &ve) && ve.Kind.IsWire() {
		return ve
	}
	return ErrorEnvelope{Kind: HandlerInvocationFailure, Message: err.Error()}
}

func (s *Service) listMethods(context.Context, Args) (any, error) { return s.reg.Methods(), nil }

type moduleContextKey struct{}

// ContextModule returns the module whose method is being executed, or nil if
// ctx was not passed to a handler by a Service.
func ContextModule(ctx context.Context) *Module {
	if v := ctx.Value(moduleContextKey{}); v != nil {
		return v.(*Module)
	}
	return nil
}
