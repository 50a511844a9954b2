// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/internal/config"
	"github.com/creachadair/synapse/mpcodec"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{
		"17", "-2.5", "true", "null", `"quoted"`, "plain", "1 2", "{bad",
		`[1, "a", {"n": 3}]`,
	})
	want := []any{
		int64(17), -2.5, true, nil, "quoted", "plain", "1 2", "{bad",
		[]any{int64(1), "a", map[string]any{"n": int64(3)}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseArgs (-want, +got):\n%s", diff)
	}
}

func TestRequestPacket(t *testing.T) {
	for _, c := range []synapse.Codec{synapse.JSON, mpcodec.Codec} {
		t.Run(c.Name(), func(t *testing.T) {
			pkt, err := requestPacket(c, 25, "geo.area", []any{int64(3), int64(4)})
			if err != nil {
				t.Fatalf("requestPacket: %v", err)
			}

			var got synapse.Packet
			if _, err := got.ReadFrom(bytes.NewReader(pkt.Encode())); err != nil {
				t.Fatalf("ReadFrom: %v", err)
			}
			if got.Type != synapse.PacketRequest {
				t.Errorf("Packet type: got %v, want %v", got.Type, synapse.PacketRequest)
			}
			var req synapse.RequestFrame
			if err := req.Decode(got.Payload); err != nil {
				t.Fatalf("Decode request: %v", err)
			}
			if req.RequestID != 25 || req.Method != "geo.area" {
				t.Errorf("Request: got ID %d method %q, want 25 geo.area", req.RequestID, req.Method)
			}
			args, err := c.SplitArgs(req.Args)
			if err != nil {
				t.Fatalf("SplitArgs: %v", err)
			}
			var x, y int
			if err := synapse.NewArgs(c, args).Decode(0, &x); err != nil {
				t.Errorf("Decode arg 0: %v", err)
			}
			if err := synapse.NewArgs(c, args).Decode(1, &y); err != nil {
				t.Errorf("Decode arg 1: %v", err)
			}
			if x != 3 || y != 4 {
				t.Errorf("Args: got (%d, %d), want (3, 4)", x, y)
			}
		})
	}
}

func TestDialClientUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Transport = "smoke-signal"
	if cli, err := dialClient(context.Background(), cfg); err == nil {
		cli.Close()
		t.Error("dialClient: got nil, want error")
	}
}

// call invokes method on svc and decodes its result into v.
func call(t *testing.T, svc *synapse.Service, v any, method string, args ...any) *synapse.ErrorEnvelope {
	t.Helper()
	data, err := synapse.JSON.EncodeArgs(args)
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	rsp := svc.Invoke(context.Background(), &synapse.Request{Method: method, Args: data})
	if rsp.Error != nil {
		return rsp.Error
	}
	if v != nil {
		if err := json.Unmarshal(rsp.Result, v); err != nil {
			t.Fatalf("Decode result of %q: %v", method, err)
		}
	}
	return nil
}

func TestHostReserved(t *testing.T) {
	svc := synapse.NewService(nil)
	defer svc.Close()
	if _, err := newHost(svc, []config.Module{{ID: controlID, Path: "x"}}, zap.NewNop()); err == nil {
		t.Error("newHost with control module: got nil, want error")
	}
}

func TestHost(t *testing.T) {
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("No sleep program available: %v", err)
	}
	svc := synapse.NewService(nil)
	defer svc.Close()

	h, err := newHost(svc, []config.Module{
		{ID: "nap", Path: path, Args: []string{"30"}},
		{ID: "bogus", Path: "/no/such/program/exists"},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}

	var st []moduleStatus
	if e := call(t, svc, &st, "control.modules"); e != nil {
		t.Fatalf("control.modules: %v", e)
	}
	if diff := cmp.Diff([]moduleStatus{
		{ID: "bogus", Path: "/no/such/program/exists"},
		{ID: "nap", Path: path},
	}, st); diff != "" {
		t.Errorf("Status (-want, +got):\n%s", diff)
	}

	// Module methods are not available until the module starts.
	if e := call(t, svc, nil, "nap.running"); e == nil || e.Kind != synapse.MethodNotFound {
		t.Errorf("nap.running before start: got %v, want %v", e, synapse.MethodNotFound)
	}

	if e := call(t, svc, nil, "control.start", "unknown"); e == nil || e.Kind != synapse.HandlerInvocationFailure {
		t.Errorf("start unknown: got %v, want %v", e, synapse.HandlerInvocationFailure)
	}
	if e := call(t, svc, nil, "control.start", "bogus"); e == nil || e.Kind != synapse.HandlerInvocationFailure {
		t.Errorf("start bogus: got %v, want %v", e, synapse.HandlerInvocationFailure)
	}

	var pid int
	if e := call(t, svc, &pid, "control.start", "nap"); e != nil {
		t.Fatalf("start nap: %v", e)
	}
	defer h.procs["nap"].Kill()
	if pid <= 0 {
		t.Errorf("start nap: got pid %d, want > 0", pid)
	}

	// Starting a running module reports the existing process.
	var again int
	if e := call(t, svc, &again, "control.start", "nap"); e != nil {
		t.Errorf("start nap again: %v", e)
	} else if again != pid {
		t.Errorf("start nap again: got pid %d, want %d", again, pid)
	}

	var running bool
	if e := call(t, svc, &running, "nap.running"); e != nil || !running {
		t.Errorf("nap.running: got %v, %v; want true", running, e)
	}
	var gotPid int
	if e := call(t, svc, &gotPid, "nap.pid"); e != nil || gotPid != pid {
		t.Errorf("nap.pid: got %d, %v; want %d", gotPid, e, pid)
	}

	proc := h.procs["nap"]
	var stopped bool
	if e := call(t, svc, &stopped, "control.stop", "nap"); e != nil || !stopped {
		t.Fatalf("control.stop: got %v, %v; want true", stopped, e)
	}
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for process exit")
	}

	if e := call(t, svc, &stopped, "control.stop", "nap"); e != nil || stopped {
		t.Errorf("control.stop after exit: got %v, %v; want false", stopped, e)
	}
	if e := call(t, svc, nil, "control.stop", "unknown"); e == nil {
		t.Error("control.stop unknown: got nil, want error")
	}

	// A stopped module can be started again with a new process.
	var pid2 int
	if e := call(t, svc, &pid2, "control.start", "nap"); e != nil {
		t.Fatalf("restart nap: %v", e)
	}
	defer h.procs["nap"].Kill()
	if pid2 == pid {
		t.Errorf("restart nap: got the same pid %d", pid2)
	}
	if e := call(t, svc, &running, "nap.running"); e != nil || !running {
		t.Errorf("nap.running after restart: got %v, %v; want true", running, e)
	}
}
