// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse_test

import (
	"context"
	"testing"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/peers"
)

func benchService(b *testing.B, exec synapse.Executor) *synapse.Service {
	b.Helper()
	svc := synapse.NewService(nil)
	if exec != nil {
		svc.Executor(exec)
	}
	b.Cleanup(func() { svc.Close() })
	if _, err := svc.RegisterModule("bench", nil, map[string]synapse.Method{
		"noop": {Handler: func(context.Context, synapse.Args) (any, error) { return nil, nil }},
		"echo": {Arity: 1, Handler: func(_ context.Context, args synapse.Args) (any, error) {
			var s string
			err := args.Decode(0, &s)
			return s, err
		}},
	}); err != nil {
		b.Fatalf("RegisterModule: %v", err)
	}
	return svc
}

func BenchmarkCall(b *testing.B) {
	const payload = "fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?"

	b.Run("Invoke-noop", func(b *testing.B) {
		svc := benchService(b, synapse.Inline)
		req := &synapse.Request{Method: "noop"}
		for b.Loop() {
			if rsp := svc.Invoke(context.Background(), req); !rsp.OK() {
				b.Fatal(rsp.Error)
			}
		}
	})
	b.Run("Direct-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Serve(benchService(b, nil))
		runBench(b, synapse.NewClient(loc.B), "noop")
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Serve(benchService(b, nil))
		runBench(b, synapse.NewClient(loc.B), "echo", payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Serve(benchService(b, nil))
		runBench(b, synapse.NewClient(pb), "noop")
	})
	b.Run("IO-echo", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Serve(benchService(b, nil))
		runBench(b, synapse.NewClient(pb), "echo", payload)
	})
}

func runBench(b *testing.B, cli *synapse.Client, method string, args ...any) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		if _, err := cli.Call(ctx, method, args...); err != nil {
			b.Fatal(err)
		}
	}
}
