// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from typed Go functions to the
// synapse.Method type.
//
// Each adapter declares the arity of the method from the number of
// parameters of the function, and records the Go type of each parameter as
// its type tag. Arguments are decoded with the codec of the dispatch service;
// an argument that does not fit its parameter type is reported to the caller
// as a DeserializationFailure.
package handler

import (
	"context"
	"reflect"

	"github.com/creachadair/synapse"
)

// Func0 adapts a function f that accepts no parameters and returns a result of
// type R and an error, to a synapse.Method of arity 0.
func Func0[R any](f func(context.Context) (R, error)) synapse.Method {
	return synapse.Method{
		Arity: 0,
		Handler: func(ctx context.Context, _ synapse.Args) (any, error) {
			return f(ctx)
		},
	}
}

// Func1 adapts a function f that accepts a parameter of type P and returns a
// result of type R and an error, to a synapse.Method of arity 1.
func Func1[P, R any](f func(context.Context, P) (R, error)) synapse.Method {
	return synapse.Method{
		Arity:  1,
		Params: []string{typeName[P]()},
		Handler: func(ctx context.Context, args synapse.Args) (any, error) {
			p, err := arg[P](args, 0)
			if err != nil {
				return nil, err
			}
			return f(ctx, p)
		},
	}
}

// Func2 adapts a function f that accepts parameters of types P1 and P2 and
// returns a result of type R and an error, to a synapse.Method of arity 2.
func Func2[P1, P2, R any](f func(context.Context, P1, P2) (R, error)) synapse.Method {
	return synapse.Method{
		Arity:  2,
		Params: []string{typeName[P1](), typeName[P2]()},
		Handler: func(ctx context.Context, args synapse.Args) (any, error) {
			p1, err := arg[P1](args, 0)
			if err != nil {
				return nil, err
			}
			p2, err := arg[P2](args, 1)
			if err != nil {
				return nil, err
			}
			return f(ctx, p1, p2)
		},
	}
}

// Func3 adapts a function f that accepts parameters of types P1, P2, and P3
// and returns a result of type R and an error, to a synapse.Method of arity 3.
func Func3[P1, P2, P3, R any](f func(context.Context, P1, P2, P3) (R, error)) synapse.Method {
	return synapse.Method{
		Arity:  3,
		Params: []string{typeName[P1](), typeName[P2](), typeName[P3]()},
		Handler: func(ctx context.Context, args synapse.Args) (any, error) {
			p1, err := arg[P1](args, 0)
			if err != nil {
				return nil, err
			}
			p2, err := arg[P2](args, 1)
			if err != nil {
				return nil, err
			}
			p3, err := arg[P3](args, 2)
			if err != nil {
				return nil, err
			}
			return f(ctx, p1, p2, p3)
		},
	}
}

// Action adapts a function f that accepts no parameters and reports only an
// error, to a synapse.Method of arity 0 whose result is null.
func Action(f func(context.Context) error) synapse.Method {
	return Func0(func(ctx context.Context) (any, error) { return nil, f(ctx) })
}

// Value adapts a function f that accepts no parameters and returns a value
// without error, to a synapse.Method of arity 0.
func Value[R any](f func(context.Context) R) synapse.Method {
	return Func0(func(ctx context.Context) (R, error) { return f(ctx), nil })
}

func arg[T any](args synapse.Args, i int) (T, error) {
	var v T
	err := args.Decode(i, &v)
	return v, err
}

func typeName[T any]() string { return reflect.TypeFor[T]().String() }
