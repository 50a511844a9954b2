// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package synapse implements a method registry and call dispatcher that lets
// an external process invoke operations that can only run inside a
// long-lived host process.
//
// Methods are contributed to a [Registry] by modules. Each module has a
// stable identity, a fixed set of methods, and optionally a [ProcessHandle]
// for the OS process that backs it. When that process exits, the module and
// all its methods are removed from the registry.
//
// # Services
//
// A [Service] resolves requests against a registry and executes the matching
// handlers. To register a module:
//
//	svc := synapse.NewService(nil)
//	defer svc.Close()
//
//	svc.RegisterModule("geo", proc, map[string]synapse.Method{
//	   "area": handler.Func2(func(ctx context.Context, w, h float64) (float64, error) {
//	      return w * h, nil
//	   }),
//	})
//
// Registration is all-or-nothing: if any method of the module is already
// registered by another module, nothing is registered and the error has kind
// [DuplicateMethodID]. Registering the same module identity twice returns the
// existing registration.
//
// Handlers run one at a time, in arrival order, on a single goroutine locked
// to an OS thread (see [Queue]). This models hosts whose APIs may only be
// used from one thread. Use [Service.Executor] to choose another policy.
//
// # Transports
//
// A service is exposed to callers by a [Transport]. The default transport is
// a [Peer] exchanging binary packets over a [Channel]; the peers package
// provides helpers to listen and dial, by default at [DefaultAddr]:
//
//	go peers.ListenAndServe(ctx, "", svc, log)
//
// The grpcbind and httpgw packages expose the same service over gRPC and over
// JSON-RPC 2.0 on HTTP.
//
// # Clients
//
// A [Client] calls methods by name:
//
//	cli, err := peers.DialClient(ctx, "")
//	...
//	area, err := synapse.CallAs[float64](ctx, cli, "area", 3, 4)
//
// Every failure reported by a client has concrete type [*CallError] and an
// [ErrorKind] that can be tested with [errors.Is]:
//
//	if errors.Is(err, synapse.ArityMismatch) { ... }
//
// Failures reported by the service carry the kind, message, and detail of its
// [ErrorEnvelope]. Failures to reach the service at all have kind
// [TransportFailure], and a successful result that does not fit the type the
// caller asked for has kind [ClientDeserializationFailure].
//
// # Discovery
//
// Every service defines the method [MethodsID], which takes no arguments and
// returns a description of each registered method. Use [Client.Methods] to
// call it.
//
// # Metrics
//
// Services and peers maintain a collection of metrics while running. Use
// [Service.Metrics] and [Peer.Metrics] to obtain an [expvar.Map] for each.
//
// The metrics currently exported by a service include:
//
//   - calls_in: counter of requests received
//   - calls_failed: counter of requests resulting in errors
//   - calls_active: gauge of requests currently active
//   - modules: gauge of registered modules
//   - methods: gauge of registered methods
//   - process_exits: counter of modules removed because their process exited
//   - failures: counters of failed requests by error kind
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package synapse
