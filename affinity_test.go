// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package synapse_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/synapse"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestQueueOrder(t *testing.T) {
	defer leaktest.Check(t)()

	q := synapse.NewQueue()
	defer q.Close()

	var μ sync.Mutex
	var got []int
	for i := range 10 {
		if err := q.Run(t.Context(), func() {
			μ.Lock()
			defer μ.Unlock()
			got = append(got, i)
		}); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got); diff != "" {
		t.Errorf("Order (-want, +got):\n%s", diff)
	}
}

func TestQueueExclusive(t *testing.T) {
	defer leaktest.Check(t)()

	q := synapse.NewQueue()
	defer q.Close()

	// No two functions run at the same time, regardless of how many callers
	// submit work concurrently.
	var active, peak int
	var μ sync.Mutex
	g := taskgroup.New(nil)
	for range 16 {
		g.Go(func() error {
			return q.Run(context.Background(), func() {
				μ.Lock()
				active++
				peak = max(peak, active)
				μ.Unlock()

				μ.Lock()
				active--
				μ.Unlock()
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak != 1 {
		t.Errorf("Peak concurrency: got %d, want 1", peak)
	}
}

func TestQueuePanic(t *testing.T) {
	defer leaktest.Check(t)()

	q := synapse.NewQueue()
	defer q.Close()

	err := q.Run(t.Context(), func() { panic("kaboom") })
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("Run: got %v, want panic error", err)
	}

	// The queue survives the panic.
	var ran bool
	if err := q.Run(t.Context(), func() { ran = true }); err != nil || !ran {
		t.Errorf("Run after panic: got (%v, ran=%v), want (nil, true)", err, ran)
	}
}

func TestQueueClosed(t *testing.T) {
	defer leaktest.Check(t)()

	q := synapse.NewQueue()
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("Close again: %v", err)
	}
	if err := q.Run(t.Context(), func() { t.Error("Function ran on a closed queue") }); !errors.Is(err, synapse.ErrQueueClosed) {
		t.Errorf("Run: got %v, want %v", err, synapse.ErrQueueClosed)
	}
}

func TestQueueContext(t *testing.T) {
	defer leaktest.Check(t)()

	q := synapse.NewQueue()

	release := make(chan struct{})
	started := make(chan struct{})
	g := taskgroup.New(nil)
	g.Go(func() error {
		return q.Run(context.Background(), func() { close(started); <-release })
	})
	<-started

	// The queue is busy, so the caller gives up.
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := q.Run(ctx, func() {}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want %v", err, context.Canceled)
	}
	close(release)
	if err := g.Wait(); err != nil {
		t.Errorf("Run blocker: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestInline(t *testing.T) {
	var ran bool
	if err := synapse.Inline.Run(t.Context(), func() { ran = true }); err != nil || !ran {
		t.Errorf("Run: got (%v, ran=%v), want (nil, true)", err, ran)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := synapse.Inline.Run(ctx, func() { t.Error("Function ran after cancellation") }); !errors.Is(err, context.Canceled) {
		t.Errorf("Run: got %v, want %v", err, context.Canceled)
	}
}
