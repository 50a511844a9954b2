// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program synapse is a command-line tool to serve and call synapse dispatch
// services.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/internal/config"
	"github.com/creachadair/synapse/internal/logging"
	"github.com/creachadair/synapse/mpcodec"
	"go.uber.org/zap"
)

var flags struct {
	Config    string        `flag:"config,Configuration file path (default $SYNAPSE_CONFIG)"`
	Addr      string        `flag:"addr,Service address host:port (overrides config)"`
	Transport string        `flag:"transport,Transport: peer, grpc, or http (overrides config)"`
	Codec     string        `flag:"codec,Codec: json or msgpack (overrides config)"`
	Timeout   time.Duration `flag:"timeout,Per-call timeout (overrides config)"`
	LogLevel  string        `flag:"log-level,Log level (overrides config)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Usage: `[flags] command [args...]
help [command]`,
		Help: `Serve and call synapse dispatch services.

Settings are read from a TOML configuration file, if one is given by --config
or by the SYNAPSE_CONFIG environment variable. Flags override the file.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run a dispatch service.

The service registers a "control" module whose methods start and stop the
modules listed in the configuration:

  control.start <id>    : launch the module process and register its methods
  control.stop <id>     : ask the module process to exit
  control.modules       : describe the configured modules

Each running module <id> has methods <id>.activate, <id>.running, <id>.pid,
and <id>.close. A module is removed when its process exits. Modules marked
autostart are launched when the service starts.`,
				Run: runServe,
			},
			{
				Name:  "call",
				Usage: "<method> [arg ...]",
				Help: `Call a method and print its result as JSON.

Each argument is parsed as JSON if possible, and otherwise passed as a string.`,
				Run: runCall,
			},
			{
				Name: "methods",
				Help: "List the methods registered with a service.",
				Run:  runMethods,
			},
			{
				Name:  "frame",
				Usage: "<request-id> <method> [arg ...]",
				Help: `Write a binary request packet to stdout.

The arguments are encoded as for the call command, with the configured codec.
The output can be sent to a peer service directly, for example with nc.`,
				Run: runFrame,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig reads the configuration file, if any, and applies the flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	path := flags.Config
	if path == "" {
		path = os.Getenv("SYNAPSE_CONFIG")
	}
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}
	if flags.Addr != "" {
		host, port, err := net.SplitHostPort(flags.Addr)
		if err != nil {
			return cfg, fmt.Errorf("invalid --addr: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return cfg, fmt.Errorf("invalid --addr port: %w", err)
		}
		if host != "" {
			cfg.Server.Host = host
		}
		cfg.Server.Port = p
	}
	if flags.Transport != "" {
		cfg.Server.Transport = strings.ToLower(flags.Transport)
	}
	if flags.Codec != "" {
		cfg.Server.Codec = strings.ToLower(flags.Codec)
	}
	if flags.Timeout != 0 {
		cfg.Client.Timeout = flags.Timeout
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Development)
}

func newCodec(name string) synapse.Codec {
	if name == "msgpack" {
		return mpcodec.Codec
	}
	return synapse.JSON
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cli, err := dialClient(env.Context(), cfg)
	if err != nil {
		return err
	}
	defer cli.Close()

	res, err := cli.Call(env.Context(), env.Args[0], parseArgs(env.Args[1:])...)
	if err != nil {
		return err
	}
	var v any
	if err := res.Decode(&v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runMethods(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cli, err := dialClient(env.Context(), cfg)
	if err != nil {
		return err
	}
	defer cli.Close()

	ms, err := cli.Methods(env.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 4, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tMODULE\tARITY\tPARAMS")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.ID, m.Module, m.Arity, strings.Join(m.Params, ", "))
	}
	return tw.Flush()
}

func runFrame(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing request ID or method name")
	}
	id, err := strconv.ParseUint(env.Args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid request ID: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pkt, err := requestPacket(newCodec(cfg.Server.Codec), uint32(id), env.Args[1], parseArgs(env.Args[2:]))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(pkt.Encode())
	return err
}

// requestPacket constructs a request packet calling method with args.
func requestPacket(c synapse.Codec, id uint32, method string, args []any) (*synapse.Packet, error) {
	data, err := c.EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	frame := synapse.RequestFrame{
		RequestID: id,
		Request:   synapse.Request{Method: method, Args: data},
	}
	return &synapse.Packet{
		Protocol: synapse.Version,
		Type:     synapse.PacketRequest,
		Payload:  frame.Encode(),
	}, nil
}

// parseArgs parses each command-line argument as a JSON value if possible,
// or otherwise as a string. Numbers without a fractional part are parsed as
// integers.
func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = parseArg(arg)
	}
	return out
}

func parseArg(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return s // trailing garbage
	}
	return fixNumbers(v)
}

// fixNumbers replaces json.Number values in v with int64 or float64 values,
// so that codecs other than JSON encode them as numbers.
func fixNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, e := range t {
			t[i] = fixNumbers(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = fixNumbers(e)
		}
	}
	return v
}
