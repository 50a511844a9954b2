// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/handler"
	"github.com/creachadair/synapse/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// fakeProc is a Process whose liveness is controlled by the test.
type fakeProc struct{ dead atomic.Bool }

func (f *fakeProc) IsRunning() bool { return !f.dead.Load() }

func request(t *testing.T, method string, args ...any) *synapse.Request {
	t.Helper()
	data, err := synapse.JSON.EncodeArgs(args)
	if err != nil {
		t.Fatalf("EncodeArgs %v: %v", args, err)
	}
	return &synapse.Request{Method: method, Args: data}
}

func geoMethods() map[string]synapse.Method {
	return map[string]synapse.Method{
		"area": handler.Func2(func(_ context.Context, w, h float64) (float64, error) {
			return w * h, nil
		}),
		"pi": handler.Value(func(context.Context) float64 { return 3.14159 }),
	}
}

func TestServiceInvoke(t *testing.T) {
	defer leaktest.Check(t)()

	svc := synapse.NewService(nil)
	defer svc.Close()

	mustRegister(t, svc, "geo", nil, geoMethods())
	mustRegister(t, svc, "misc", nil, map[string]synapse.Method{
		"fail": handler.Action(func(context.Context) error {
			return errors.New("it broke")
		}),
		"panic": handler.Action(func(context.Context) error {
			panic("boom")
		}),
		"chan": handler.Func0(func(context.Context) (chan int, error) {
			return make(chan int), nil
		}),
		"busy": handler.Action(func(context.Context) error {
			return synapse.ErrorEnvelope{Kind: synapse.ModuleUnavailable, Message: "host is busy"}
		}),
		"local": handler.Action(func(context.Context) error {
			return &synapse.ErrorEnvelope{Kind: synapse.TransportFailure, Message: "nope"}
		}),
		"whoami": handler.Func0(func(ctx context.Context) (string, error) {
			return synapse.ContextModule(ctx).ID(), nil
		}),
	})

	tests := []struct {
		name       string
		req        *synapse.Request
		wantResult string
		wantKind   synapse.ErrorKind
		wantMsg    string // substring
		wantDetail string
	}{
		{name: "OK", req: request(t, "area", 3, 4), wantResult: "12"},
		{name: "NoArgs", req: &synapse.Request{Method: "pi"}, wantResult: "3.14159"},
		{name: "EmptyList", req: request(t, "pi"), wantResult: "3.14159"},
		{name: "Context", req: request(t, "whoami"), wantResult: `"misc"`},

		{name: "NotFound", req: request(t, "nonesuch", 1),
			wantKind: synapse.MethodNotFound, wantMsg: `method "nonesuch" not found`},
		{name: "ArityLow", req: request(t, "area", 3),
			wantKind: synapse.ArityMismatch, wantDetail: "expected 2 arguments, got 1"},
		{name: "ArityHigh", req: request(t, "pi", 1, 2, 3),
			wantKind: synapse.ArityMismatch, wantDetail: "expected 0 arguments, got 3"},
		{name: "BadPayload", req: &synapse.Request{Method: "area", Args: []byte("{bogus")},
			wantKind: synapse.DeserializationFailure, wantMsg: "decoding json arguments"},
		{name: "BadArgument", req: request(t, "area", "three", 4),
			wantKind: synapse.DeserializationFailure, wantMsg: "argument 1 (float64)"},
		{name: "HandlerError", req: request(t, "fail"),
			wantKind: synapse.HandlerInvocationFailure, wantMsg: "it broke"},
		{name: "HandlerPanic", req: request(t, "panic"),
			wantKind: synapse.HandlerInvocationFailure, wantMsg: "handler panicked (recovered): boom"},
		{name: "BadResult", req: request(t, "chan"),
			wantKind: synapse.HandlerInvocationFailure, wantMsg: "encoding result"},
		{name: "HandlerEnvelope", req: request(t, "busy"),
			wantKind: synapse.ModuleUnavailable, wantMsg: "host is busy"},
		{name: "LocalKind", req: request(t, "local"),
			wantKind: synapse.HandlerInvocationFailure, wantMsg: "TRANSPORT_FAILURE: nope"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rsp := svc.Invoke(t.Context(), tc.req)
			if rsp == nil {
				t.Fatal("Invoke returned nil")
			}
			if tc.wantKind == 0 {
				if !rsp.OK() {
					t.Fatalf("Invoke %v: unexpected error: %v", tc.req, rsp.Error)
				}
				if got := string(rsp.Result); got != tc.wantResult {
					t.Errorf("Result: got %q, want %q", got, tc.wantResult)
				}
				return
			}
			if rsp.OK() {
				t.Fatalf("Invoke %v: got result %q, want %v", tc.req, rsp.Result, tc.wantKind)
			}
			if rsp.Error.Kind != tc.wantKind {
				t.Errorf("Kind: got %v, want %v", rsp.Error.Kind, tc.wantKind)
			}
			if !strings.Contains(rsp.Error.Message, tc.wantMsg) {
				t.Errorf("Message: got %q, want %q", rsp.Error.Message, tc.wantMsg)
			}
			if tc.wantDetail != "" && rsp.Error.Detail != tc.wantDetail {
				t.Errorf("Detail: got %q, want %q", rsp.Error.Detail, tc.wantDetail)
			}
		})
	}
}

func mustRegister(t *testing.T, svc *synapse.Service, id string, proc *synapse.ProcessHandle, ms map[string]synapse.Method) *synapse.Module {
	t.Helper()
	m, err := svc.RegisterModule(id, proc, ms)
	if err != nil {
		t.Fatalf("RegisterModule %q: %v", id, err)
	}
	return m
}

func TestServiceRegister(t *testing.T) {
	defer leaktest.Check(t)()

	svc := synapse.NewService(nil)
	defer svc.Close()

	geo := mustRegister(t, svc, "geo", nil, geoMethods())
	if again := mustRegister(t, svc, "geo", nil, geoMethods()); again != geo {
		t.Error("RegisterModule geo again: got a new module, want the existing one")
	}
	// Re-registering an identity does not look at the methods.
	for _, ms := range []map[string]synapse.Method{nil, methods("")} {
		if again, err := svc.RegisterModule("geo", nil, ms); err != nil || again != geo {
			t.Errorf("RegisterModule geo with %v: got (%p, %v), want (%p, nil)", ms, again, err, geo)
		}
	}

	_, err := svc.RegisterModule("shapes", nil, map[string]synapse.Method{
		"area":   {Arity: 2, Handler: nop},
		"volume": {Arity: 3, Handler: nop},
	})
	if !errors.Is(err, synapse.DuplicateMethodID) {
		t.Errorf("RegisterModule shapes: got %v, want %v", err, synapse.DuplicateMethodID)
	}
	if _, _, ok := svc.Registry().Resolve("volume"); ok {
		t.Error("Resolve volume: found after failed registration")
	}

	bad := []struct {
		name string
		id   string
		ms   map[string]synapse.Method
	}{
		{"EmptyID", " ", methods("x")},
		{"ReservedID", "synapse", methods("x")},
		{"EmptyMethod", "m", methods("")},
		{"ReservedMethod", "m", methods("synapse.x")},
		{"NilHandler", "m", map[string]synapse.Method{"x": {Arity: 1}}},
		{"NegativeArity", "m", map[string]synapse.Method{"x": {Arity: -1, Handler: nop}}},
		{"ParamMismatch", "m", map[string]synapse.Method{
			"x": {Arity: 2, Params: []string{"int"}, Handler: nop},
		}},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			if m, err := svc.RegisterModule(tc.id, nil, tc.ms); err == nil {
				t.Errorf("RegisterModule %q: got %v, want error", tc.id, m)
			} else {
				t.Logf("RegisterModule %q: got expected error: %v", tc.id, err)
			}
		})
	}

	if svc.DeregisterModule("synapse") {
		t.Error("DeregisterModule synapse: reported true, want false")
	}
	if !svc.DeregisterModule("geo") {
		t.Error("DeregisterModule geo: reported false, want true")
	}
	if svc.DeregisterModule("geo") {
		t.Error("DeregisterModule geo again: reported true, want false")
	}
	rsp := svc.Invoke(t.Context(), request(t, "area", 3, 4))
	if rsp.OK() || rsp.Error.Kind != synapse.MethodNotFound {
		t.Errorf("Invoke after deregister: got %v, want %v", rsp, synapse.MethodNotFound)
	}
}

func TestServiceUnavailable(t *testing.T) {
	defer leaktest.Check(t)()

	// The process has exited but the module has not yet been removed.
	proc := new(fakeProc)
	reg := synapse.NewRegistry()
	if _, err := reg.Register(synapse.NewModule("geo", proc, geoMethods())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	svc := synapse.NewService(reg)
	defer svc.Close()

	if rsp := svc.Invoke(t.Context(), request(t, "area", 3, 4)); !rsp.OK() {
		t.Fatalf("Invoke area: %v", rsp.Error)
	}
	proc.dead.Store(true)

	rsp := svc.Invoke(t.Context(), request(t, "area", 3, 4))
	if diff := cmp.Diff(&synapse.ErrorEnvelope{
		Kind:    synapse.ModuleUnavailable,
		Message: `module "geo" is not running`,
		Detail:  "method area",
	}, rsp.Error); diff != "" {
		t.Errorf("Invoke error (-want, +got):\n%s", diff)
	}
}

func TestServiceDiscovery(t *testing.T) {
	defer leaktest.Check(t)()

	svc := synapse.NewService(nil)
	defer svc.Close()
	mustRegister(t, svc, "geo", nil, geoMethods())

	rsp := svc.Invoke(t.Context(), request(t, synapse.MethodsID))
	if !rsp.OK() {
		t.Fatalf("Invoke %s: %v", synapse.MethodsID, rsp.Error)
	}
	var got []synapse.MethodInfo
	if err := synapse.JSON.Decode(rsp.Result, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []synapse.MethodInfo{
		{ID: "area", Module: "geo", Arity: 2, Params: []string{"float64", "float64"}},
		{ID: "pi", Module: "geo"},
		{ID: synapse.MethodsID, Module: "synapse"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Methods (-want, +got):\n%s", diff)
	}
}

func TestServiceMetrics(t *testing.T) {
	defer leaktest.Check(t)()

	svc := synapse.NewService(nil)
	defer svc.Close()
	mustRegister(t, svc, "geo", nil, geoMethods())

	svc.Invoke(t.Context(), request(t, "area", 1, 2))
	svc.Invoke(t.Context(), request(t, "nonesuch"))
	svc.Invoke(t.Context(), request(t, "area", 1))
	svc.Invoke(t.Context(), request(t, "nonesuch"))

	m := svc.Metrics()
	intVal := func(key string) int64 {
		switch v := m.Get(key).(type) {
		case *expvar.Int:
			return v.Value()
		case expvar.Func:
			return v.Value().(int64)
		default:
			t.Fatalf("Metric %q: unexpected type %T", key, v)
			return 0
		}
	}
	if got := intVal("calls_in"); got != 4 {
		t.Errorf("calls_in: got %d, want 4", got)
	}
	if got := intVal("calls_failed"); got != 3 {
		t.Errorf("calls_failed: got %d, want 3", got)
	}
	if got := intVal("calls_active"); got != 0 {
		t.Errorf("calls_active: got %d, want 0", got)
	}
	// The built-in module and geo.
	if got := intVal("modules"); got != 2 {
		t.Errorf("modules: got %d, want 2", got)
	}
	if got := intVal("methods"); got != 3 {
		t.Errorf("methods: got %d, want 3", got)
	}
	fails := m.Get("failures").(*expvar.Map)
	if got := fails.Get("method_not_found").(*expvar.Int).Value(); got != 2 {
		t.Errorf("failures[method_not_found]: got %d, want 2", got)
	}
	if got := fails.Get("arity_mismatch").(*expvar.Int).Value(); got != 1 {
		t.Errorf("failures[arity_mismatch]: got %d, want 1", got)
	}
}

func TestServiceMetricsConcurrent(t *testing.T) {
	defer leaktest.Check(t)()

	svc := synapse.NewService(nil)
	defer svc.Close()

	const numModules = 50
	g := taskgroup.New(nil)
	for i := range numModules {
		id := fmt.Sprintf("m%d", i)
		g.Go(func() error {
			_, err := svc.RegisterModule(id, nil, methods(id+".a", id+".b"))
			return err
		})
		if i%2 == 0 {
			g.Go(func() error {
				svc.DeregisterModule(id)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	// The gauges agree with the registry once the updates have settled.
	wantMods, wantMeths := svc.Registry().Len()
	m := svc.Metrics()
	if got := m.Get("modules").(expvar.Func).Value(); got != int64(wantMods) {
		t.Errorf("modules: got %v, want %d", got, wantMods)
	}
	if got := m.Get("methods").(expvar.Func).Value(); got != int64(wantMeths) {
		t.Errorf("methods: got %v, want %d", got, wantMeths)
	}
	for _, id := range []string{"m1", "m49"} {
		if _, ok := svc.Registry().Lookup(id); !ok {
			t.Errorf("Lookup %q: not found", id)
		}
	}
}

func TestNewServiceConflict(t *testing.T) {
	reg := synapse.NewRegistry()
	if _, err := reg.Register(synapse.NewModule("rogue", nil, methods(synapse.MethodsID))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer func() {
		if x := recover(); x == nil {
			t.Error("NewService: did not panic for a conflicting registry")
		}
	}()
	synapse.NewService(reg).Close()
}

func TestServiceAbandoned(t *testing.T) {
	defer leaktest.Check(t)()

	svc := synapse.NewService(nil)
	defer svc.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	mustRegister(t, svc, "slow", nil, map[string]synapse.Method{
		"block": handler.Action(func(context.Context) error {
			close(started)
			<-release
			return nil
		}),
		"quick": handler.Value(func(context.Context) bool { return true }),
	})

	g := taskgroup.New(nil)
	g.Go(func() error {
		if rsp := svc.Invoke(context.Background(), request(t, "block")); !rsp.OK() {
			return rsp.Error
		}
		return nil
	})
	<-started

	// The queue is occupied, so this call cannot finish before its deadline.
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	rsp := svc.Invoke(ctx, request(t, "quick"))
	if rsp.OK() || rsp.Error.Kind != synapse.HandlerInvocationFailure {
		t.Errorf("Invoke quick: got %v, want %v", rsp, synapse.HandlerInvocationFailure)
	} else if !strings.HasPrefix(rsp.Error.Message, "call abandoned") {
		t.Errorf("Invoke quick: got message %q, want call abandoned", rsp.Error.Message)
	}

	close(release)
	if err := g.Wait(); err != nil {
		t.Errorf("Invoke block: %v", err)
	}
}

func TestServiceInline(t *testing.T) {
	defer leaktest.Check(t)()

	svc := synapse.NewService(nil).Executor(synapse.Inline)
	defer svc.Close()
	mustRegister(t, svc, "geo", nil, geoMethods())

	rsp := svc.Invoke(t.Context(), request(t, "area", 2, 5))
	if !rsp.OK() || string(rsp.Result) != "10" {
		t.Errorf("Invoke area: got %v, want 10", rsp)
	}
}

// The scenarios below exercise a service end-to-end through a client.

func newGeoClient(t *testing.T, svc *synapse.Service) *synapse.Client {
	t.Helper()
	loc := peers.NewLocal()
	loc.A.Serve(svc)
	t.Cleanup(func() { loc.Stop() })
	return synapse.NewClient(loc.B)
}

func TestEndToEnd(t *testing.T) {
	svc := synapse.NewService(nil)
	defer svc.Close()
	mustRegister(t, svc, "geo", nil, geoMethods())
	cli := newGeoClient(t, svc)

	t.Run("Area", func(t *testing.T) {
		got, err := synapse.CallAs[float64](t.Context(), cli, "area", 3, 4)
		if err != nil {
			t.Fatalf("Call area: %v", err)
		}
		if got != 12 {
			t.Errorf("Call area: got %v, want 12", got)
		}
	})

	t.Run("WrongArity", func(t *testing.T) {
		_, err := cli.Call(t.Context(), "area", 3)
		if !errors.Is(err, synapse.ArityMismatch) {
			t.Fatalf("Call area: got %v, want %v", err, synapse.ArityMismatch)
		}
		var ce *synapse.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call area: error %T is not a *CallError", err)
		}
		if !ce.Remote() || ce.Detail != "expected 2 arguments, got 1" {
			t.Errorf("Call area: got %+v, want remote arity detail", ce)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := cli.Call(t.Context(), "nonexistent")
		if !errors.Is(err, synapse.MethodNotFound) {
			t.Fatalf("Call nonexistent: got %v, want %v", err, synapse.MethodNotFound)
		}
	})
}

func TestEndToEndProcessExit(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("No sleep program available: %v", err)
	}

	svc := synapse.NewService(nil)
	defer svc.Close()
	cli := newGeoClient(t, svc)

	proc := synapse.NewProcess(sleep, "30")
	if err := proc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Kill()
	mustRegister(t, svc, "geo", proc, geoMethods())

	if _, err := cli.Call(t.Context(), "area", 3, 4); err != nil {
		t.Fatalf("Call area: %v", err)
	}

	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	// Depending on whether removal has happened yet, either kind is acceptable.
	_, err = cli.Call(t.Context(), "area", 3, 4)
	if !errors.Is(err, synapse.ModuleUnavailable) && !errors.Is(err, synapse.MethodNotFound) {
		t.Errorf("Call area after kill: got %v, want %v or %v", err,
			synapse.ModuleUnavailable, synapse.MethodNotFound)
	}

	// The registry must converge to not found. The exit counter is updated
	// after the module is removed.
	<-proc.Done()
	exits := svc.Metrics().Get("process_exits").(*expvar.Int)
	deadline := time.Now().Add(5 * time.Second)
	for exits.Value() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Module was not removed after its process exited")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, _, ok := svc.Registry().Resolve("area"); ok {
		t.Error("Resolve area: found after process exit")
	}
	if _, err := cli.Call(t.Context(), "area", 3, 4); !errors.Is(err, synapse.MethodNotFound) {
		t.Errorf("Call area after removal: got %v, want %v", err, synapse.MethodNotFound)
	}

	// Deregistering after the process exited is a no-op.
	if svc.DeregisterModule("geo") {
		t.Error("DeregisterModule geo: reported true, want false")
	}
}

func TestServiceSharedProcess(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("No sleep program available: %v", err)
	}

	svc := synapse.NewService(nil)
	defer svc.Close()

	proc := synapse.NewProcess(sleep, "30")
	if err := proc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer proc.Kill()

	// Two modules backed by one process, and an unrelated exit hook added
	// after both registrations.
	mustRegister(t, svc, "geo", proc, geoMethods())
	mustRegister(t, svc, "misc", proc, map[string]synapse.Method{
		"hello": handler.Value(func(context.Context) string { return "hi" }),
	})
	cleaned := make(chan struct{})
	proc.OnExit(func() { close(cleaned) })

	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-cleaned:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for exit hooks")
	}

	// Hooks run in order, so both modules are gone by the time the later
	// hook has run.
	for _, id := range []string{"area", "pi", "hello"} {
		if _, _, ok := svc.Registry().Resolve(id); ok {
			t.Errorf("Resolve %q: found after process exit", id)
		}
	}
	if got := svc.Metrics().Get("process_exits").(*expvar.Int).Value(); got != 2 {
		t.Errorf("process_exits: got %d, want 2", got)
	}
}
