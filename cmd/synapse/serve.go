// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"fmt"
	"maps"
	"net"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/catalog"
	"github.com/creachadair/synapse/grpcbind"
	"github.com/creachadair/synapse/handler"
	"github.com/creachadair/synapse/httpgw"
	"github.com/creachadair/synapse/internal/config"
	"github.com/creachadair/synapse/peers"
	"go.uber.org/zap"
)

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	svc := synapse.NewService(nil).Codec(newCodec(cfg.Server.Codec)).Logger(log)
	defer svc.Close()

	h, err := newHost(svc, cfg.Modules, log)
	if err != nil {
		return err
	}
	for _, m := range cfg.Modules {
		if !m.Autostart {
			continue
		}
		if _, err := h.start(m.ID); err != nil {
			log.Error("autostart failed", zap.String("module", m.ID), zap.Error(err))
		}
	}

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := cfg.Server.Addr()
	log.Info("serving", zap.String("addr", addr),
		zap.String("transport", cfg.Server.Transport), zap.String("codec", cfg.Server.Codec))
	return serve(ctx, cfg.Server, svc, log)
}

// serve serves d on the transport selected by s until ctx ends.
func serve(ctx context.Context, s config.Server, d synapse.Dispatcher, log *zap.Logger) error {
	if s.Transport == "peer" {
		return peers.ListenAndServe(ctx, s.Addr(), d, log)
	}
	lst, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer lst.Close()
	switch s.Transport {
	case "grpc":
		return grpcbind.Serve(ctx, lst, d, log)
	case "http":
		return httpgw.Serve(ctx, lst, d, log)
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}
}

// dialClient returns a client for the service described by cfg.
func dialClient(ctx context.Context, cfg config.Config) (*synapse.Client, error) {
	var cli *synapse.Client
	switch cfg.Server.Transport {
	case "peer":
		c, err := peers.DialClient(ctx, cfg.Server.Addr())
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		cli = c
	case "grpc":
		t, err := grpcbind.Dial(cfg.Server.Addr())
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		cli = synapse.NewClient(t)
	case "http":
		cli = synapse.NewClient(httpgw.NewTransport("http://"+cfg.Server.Addr()+httpgw.DefaultPath, nil))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
	return cli.Codec(newCodec(cfg.Server.Codec)).Timeout(cfg.Client.Timeout), nil
}

// controlID is the identity of the module that manages the other modules.
const controlID = "control"

// A host manages the processes of the configured modules of a service.
type host struct {
	svc *synapse.Service
	log *zap.Logger

	μ     sync.Mutex
	mods  map[string]config.Module
	procs map[string]*synapse.ProcessHandle
}

func newHost(svc *synapse.Service, mods []config.Module, log *zap.Logger) (*host, error) {
	h := &host{
		svc:   svc,
		log:   log,
		mods:  make(map[string]config.Module),
		procs: make(map[string]*synapse.ProcessHandle),
	}
	for _, m := range mods {
		if m.ID == controlID {
			return nil, fmt.Errorf("module ID %q is reserved", m.ID)
		}
		h.mods[m.ID] = m
	}
	ctl := catalog.New(controlID).
		AddLocal("start", handler.Func1(func(_ context.Context, id string) (int, error) {
			return h.start(id)
		})).
		AddLocal("stop", handler.Func1(func(_ context.Context, id string) (bool, error) {
			return h.stop(id)
		})).
		AddLocal("modules", handler.Value(func(context.Context) []moduleStatus {
			return h.status()
		}))
	if _, err := ctl.Register(svc, nil); err != nil {
		return nil, err
	}
	return h, nil
}

// start launches the process of module id and registers its methods, and
// returns its process ID. If the module is already running, start returns
// its current process ID.
func (h *host) start(id string) (int, error) {
	h.μ.Lock()
	defer h.μ.Unlock()
	m, ok := h.mods[id]
	if !ok {
		return 0, fmt.Errorf("unknown module %q", id)
	}
	if old := h.procs[id]; old != nil {
		if old.IsRunning() {
			return old.Pid(), nil
		}
		// The previous instance has exited, but its exit notification may not
		// have removed it yet.
		h.svc.DeregisterModule(id)
		delete(h.procs, id)
	}

	proc := synapse.NewProcess(m.Path, m.Args...).Logger(h.log)
	if err := proc.Start(); err != nil {
		return 0, err
	}
	if _, err := moduleCatalog(id, proc).Register(h.svc, proc); err != nil {
		proc.Kill()
		return 0, err
	}
	h.procs[id] = proc
	h.log.Info("module started", zap.String("module", id), zap.Int("pid", proc.Pid()))
	return proc.Pid(), nil
}

// stop asks the process of module id to exit. It reports false if the module
// was not running.
func (h *host) stop(id string) (bool, error) {
	h.μ.Lock()
	proc, ok := h.procs[id]
	h.μ.Unlock()
	if !ok {
		if _, known := h.mods[id]; !known {
			return false, fmt.Errorf("unknown module %q", id)
		}
		return false, nil
	}
	if !proc.IsRunning() {
		return false, nil
	}
	if err := proc.Close(); err != nil {
		return false, err
	}
	return true, nil
}

// moduleStatus describes a configured module.
type moduleStatus struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	Pid     int    `json:"pid,omitempty"`
}

func (h *host) status() []moduleStatus {
	h.μ.Lock()
	defer h.μ.Unlock()
	out := make([]moduleStatus, 0, len(h.mods))
	for _, id := range slices.Sorted(maps.Keys(h.mods)) {
		st := moduleStatus{ID: id, Path: h.mods[id].Path}
		if p := h.procs[id]; p != nil && p.IsRunning() {
			st.Running = true
			st.Pid = p.Pid()
		}
		out = append(out, st)
	}
	return out
}

// moduleCatalog returns the methods a running module provides on behalf of
// its process.
func moduleCatalog(id string, proc *synapse.ProcessHandle) catalog.Catalog {
	return catalog.New(id).
		AddLocal("activate", handler.Func0(func(context.Context) (bool, error) {
			return proc.ActivateForeground()
		})).
		AddLocal("running", handler.Value(func(context.Context) bool {
			return proc.IsRunning()
		})).
		AddLocal("pid", handler.Value(func(context.Context) int {
			return proc.Pid()
		})).
		AddLocal("close", handler.Action(func(context.Context) error {
			return proc.Close()
		}))
}
