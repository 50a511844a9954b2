// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog assembles the method sets of synapse modules.
//
// # Usage
//
// Construct a new empty catalog for a module identity and add methods to it:
//
//	cat := catalog.New("geo").
//	   Add("area", handler.Func2(area)).
//	   Add("perimeter", handler.Func2(perimeter))
//
// Add panics if a method name is added more than once. To add methods whose
// names are qualified by the module identity, use AddLocal:
//
//	cat.AddLocal("reset", handler.Action(reset)) // adds "geo.reset"
//
// To register the module with a service, use Register. If the module is
// backed by a process, pass its handle so the module is removed from the
// service when the process exits:
//
//	mod, err := cat.Register(svc, proc)
package catalog

import (
	"fmt"
	"maps"
	"slices"

	"github.com/creachadair/synapse"
)

// A Catalog is the method set of a module under construction. It is safe to
// copy the resulting value; all copies share a reference to the same methods.
type Catalog struct {
	id      string
	methods map[string]synapse.Method
}

// New creates a new empty catalog for the module with the given identity.
func New(id string) Catalog {
	return Catalog{id: id, methods: make(map[string]synapse.Method)}
}

// ID returns the module identity of c.
func (c Catalog) ID() string { return c.id }

// Add adds a method with the given name to c, and returns c to permit
// chaining. Add will panic if name is already defined in c.
//
// It is not safe to call Add while c is used concurrently by other goroutines
// without external synchronization.
func (c Catalog) Add(name string, m synapse.Method) Catalog {
	if _, ok := c.methods[name]; ok {
		panic(fmt.Sprintf("method %q already defined", name))
	}
	c.methods[name] = m
	return c
}

// AddLocal adds a method whose name is qualified by the module identity, as
// "id.name", and returns c to permit chaining.
func (c Catalog) AddLocal(name string, m synapse.Method) Catalog {
	return c.Add(c.Qualify(name), m)
}

// Qualify returns name qualified by the module identity of c.
func (c Catalog) Qualify(name string) string { return c.id + "." + name }

// Lookup returns the method defined for name, if any.
func (c Catalog) Lookup(name string) (synapse.Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// Names returns the names of the methods of c in lexicographic order.
func (c Catalog) Names() []string { return slices.Sorted(maps.Keys(c.methods)) }

// Len reports the number of methods in c.
func (c Catalog) Len() int { return len(c.methods) }

// Methods returns a copy of the methods of c.
func (c Catalog) Methods() map[string]synapse.Method { return maps.Clone(c.methods) }

// Info returns descriptions of the methods of c, ordered by name.
func (c Catalog) Info() []synapse.MethodInfo {
	out := make([]synapse.MethodInfo, 0, len(c.methods))
	for _, name := range c.Names() {
		m := c.methods[name]
		out = append(out, synapse.MethodInfo{
			ID:     name,
			Module: c.id,
			Arity:  m.Arity,
			Params: slices.Clone(m.Params),
		})
	}
	return out
}

// Register registers the methods of c with svc as a single module. If proc
// is not nil, the module is removed from svc when proc exits.
func (c Catalog) Register(svc *synapse.Service, proc *synapse.ProcessHandle) (*synapse.Module, error) {
	return svc.RegisterModule(c.id, proc, c.methods)
}
