// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// A Handler executes a method on behalf of a remote caller. The arguments
// have already been checked against the declared arity of the method. The
// result value is encoded with the service codec.
//
// A handler that fails should return an error. Errors of type *ArgError are
// reported to the caller as DeserializationFailure; all others are reported
// as HandlerInvocationFailure. A panic in a handler is recovered and reported
// as a handler failure.
type Handler func(ctx context.Context, args Args) (any, error)

// Method describes a callable method: its declared parameter count, optional
// parameter type tags, and the handler that implements it.
type Method struct {
	Arity   int      // number of arguments required
	Params  []string // optional type tags, len(Params) == Arity if set
	Handler Handler
}

// MethodInfo describes a registered method, for discovery.
type MethodInfo struct {
	ID     string   `json:"id" msgpack:"id"`
	Module string   `json:"module" msgpack:"module"`
	Arity  int      `json:"arity" msgpack:"arity"`
	Params []string `json:"params,omitempty" msgpack:"params,omitempty"`
}

// A Process reports whether the process backing a module is alive.
// A *ProcessHandle satisfies this interface.
type Process interface {
	IsRunning() bool
}

// A Module is a unit of registration: an identity, the methods it
// contributes, and the process that backs it. The method set of a module is
// fixed when it is constructed.
type Module struct {
	id       string
	instance string
	proc     Process
	methods  map[string]Method
}

// NewModule constructs a module with the given identity, backing process,
// and methods. If proc == nil, the module is treated as always available.
// The methods map is copied, so later changes by the caller have no effect.
func NewModule(id string, proc Process, methods map[string]Method) *Module {
	m := &Module{
		id:       id,
		instance: uuid.NewString(),
		proc:     proc,
		methods:  make(map[string]Method, len(methods)),
	}
	for name, meth := range methods {
		meth.Params = slices.Clone(meth.Params)
		m.methods[name] = meth
	}
	return m
}

// ID returns the stable identity of m.
func (m *Module) ID() string { return m.id }

// Instance returns a token unique to this registration of m. Two modules
// constructed with the same identity have different instance tokens.
func (m *Module) Instance() string { return m.instance }

// Process returns the process backing m, or nil.
func (m *Module) Process() Process { return m.proc }

// Methods returns the method IDs contributed by m in lexicographic order.
func (m *Module) Methods() []string { return slices.Sorted(maps.Keys(m.methods)) }

// Available reports whether m can currently service calls.
func (m *Module) Available() bool { return m.proc == nil || m.proc.IsRunning() }

type entry struct {
	method Method
	module *Module
}

// A Registry maps method IDs to the methods and modules that implement them.
// A Registry is safe for concurrent use by multiple goroutines. Lookups
// proceed concurrently; registration and removal are exclusive, and each
// applies to all the methods of a module at once.
type Registry struct {
	μ        sync.RWMutex
	byMethod map[string]entry   // method ID → entry
	byModule map[string]*Module // module ID → module
}

// NewRegistry constructs a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byMethod: make(map[string]entry),
		byModule: make(map[string]*Module),
	}
}

// Register adds all the methods of m to r.
//
// If a module with the same identity is already registered, Register returns
// that module unchanged and does not add anything. If any method of m is
// already registered by a different module, Register reports an error of
// kind DuplicateMethodID and r is not modified.
func (r *Registry) Register(m *Module) (*Module, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if old, ok := r.byModule[m.id]; ok {
		return old, nil
	}
	for name := range m.methods {
		if e, ok := r.byMethod[name]; ok {
			return nil, &ErrorEnvelope{
				Kind:    DuplicateMethodID,
				Message: "method " + strconv.Quote(name) + " is already registered",
				Detail:  "owned by module " + strconv.Quote(e.module.id),
			}
		}
	}
	for name, meth := range m.methods {
		r.byMethod[name] = entry{method: meth, module: m}
	}
	r.byModule[m.id] = m
	return m, nil
}

// Deregister removes the module with the given identity and all its methods
// from r. It reports whether a module was removed; removing a module that is
// not registered is a no-op.
func (r *Registry) Deregister(id string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	m, ok := r.byModule[id]
	if !ok {
		return false
	}
	r.removeLocked(m)
	return true
}

// Remove removes m and all its methods from r, but only if m is the current
// registration for its identity. It reports whether m was removed. This
// allows a stale module to remove itself without disturbing a newer module
// registered under the same identity.
func (r *Registry) Remove(m *Module) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if cur, ok := r.byModule[m.id]; !ok || cur != m {
		return false
	}
	r.removeLocked(m)
	return true
}

func (r *Registry) removeLocked(m *Module) {
	for name := range m.methods {
		delete(r.byMethod, name)
	}
	delete(r.byModule, m.id)
}

// Resolve returns the method registered for methodID and the module that
// owns it. It reports false if no such method is registered.
func (r *Registry) Resolve(methodID string) (Method, *Module, bool) {
	r.μ.RLock()
	defer r.μ.RUnlock()
	e, ok := r.byMethod[methodID]
	return e.method, e.module, ok
}

// Lookup returns the module registered with the given identity, if any.
func (r *Registry) Lookup(id string) (*Module, bool) {
	r.μ.RLock()
	defer r.μ.RUnlock()
	m, ok := r.byModule[id]
	return m, ok
}

// Modules returns the identities of all registered modules in order.
func (r *Registry) Modules() []string {
	r.μ.RLock()
	defer r.μ.RUnlock()
	return slices.Sorted(maps.Keys(r.byModule))
}

// Len reports the number of registered modules and methods.
func (r *Registry) Len() (modules, methods int) {
	r.μ.RLock()
	defer r.μ.RUnlock()
	return len(r.byModule), len(r.byMethod)
}

// Methods returns descriptions of all registered methods, ordered by ID.
func (r *Registry) Methods() []MethodInfo {
	r.μ.RLock()
	out := make([]MethodInfo, 0, len(r.byMethod))
	for name, e := range r.byMethod {
		out = append(out, MethodInfo{
			ID:     name,
			Module: e.module.id,
			Arity:  e.method.Arity,
			Params: slices.Clone(e.method.Params),
		})
	}
	r.μ.RUnlock()
	slices.SortFunc(out, func(a, b MethodInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}
