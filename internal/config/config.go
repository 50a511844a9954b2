// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package config loads the TOML configuration of the synapse command-line
// tool. Settings present in a file overlay the defaults; settings absent from
// the file keep their default values.
//
// Example:
//
//	[server]
//	host = "127.0.0.1"
//	port = 8278
//	transport = "peer"   # peer, grpc, or http
//	codec = "json"       # json or msgpack
//
//	[client]
//	timeout = "30s"
//
//	[log]
//	level = "info"
//	development = false
//
//	[[module]]
//	id = "editor"
//	path = "/usr/bin/editor"
//	args = ["--automation"]
//	autostart = true
package config

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/synapse"
)

// Supported transport and codec names.
var (
	Transports = []string{"peer", "grpc", "http"}
	Codecs     = []string{"json", "msgpack"}
)

// Config is the complete configuration of the tool.
type Config struct {
	Server  Server
	Client  Client
	Log     Log
	Modules []Module
}

// Server are the settings of the dispatch service endpoint.
type Server struct {
	Host      string
	Port      int
	Transport string
	Codec     string
}

// Addr returns the host:port address of s.
func (s Server) Addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// Client are the settings of a calling client.
type Client struct {
	Timeout time.Duration
}

// Log are the settings of the logger.
type Log struct {
	Level       string
	Development bool
}

// Module describes a module whose process is managed by the service.
type Module struct {
	ID        string
	Path      string
	Args      []string
	Autostart bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: Server{
			Host:      synapse.DefaultHost,
			Port:      synapse.DefaultPort,
			Transport: "peer",
			Codec:     "json",
		},
		Client: Client{Timeout: synapse.DefaultTimeout},
		Log:    Log{Level: "info"},
	}
}

// fileConfig is the on-disk form of a Config.
type fileConfig struct {
	Server struct {
		Host      string `toml:"host"`
		Port      int    `toml:"port"`
		Transport string `toml:"transport"`
		Codec     string `toml:"codec"`
	} `toml:"server"`
	Client struct {
		Timeout string `toml:"timeout"`
	} `toml:"client"`
	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	} `toml:"log"`
	Modules []struct {
		ID        string   `toml:"id"`
		Path      string   `toml:"path"`
		Args      []string `toml:"args"`
		Autostart bool     `toml:"autostart"`
	} `toml:"module"`
}

// Load reads the configuration file at path and overlays it on the defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := overlay(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses configuration text and overlays it on the defaults.
func Parse(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return overlay(raw, meta)
}

func overlay(raw fileConfig, meta toml.MetaData) (Config, error) {
	if un := meta.Undecoded(); len(un) != 0 {
		return Config{}, fmt.Errorf("unknown setting %q", un[0].String())
	}
	cfg := Default()
	if meta.IsDefined("server", "host") {
		cfg.Server.Host = strings.TrimSpace(raw.Server.Host)
	}
	if meta.IsDefined("server", "port") {
		cfg.Server.Port = raw.Server.Port
	}
	if meta.IsDefined("server", "transport") {
		cfg.Server.Transport = strings.ToLower(strings.TrimSpace(raw.Server.Transport))
	}
	if meta.IsDefined("server", "codec") {
		cfg.Server.Codec = strings.ToLower(strings.TrimSpace(raw.Server.Codec))
	}
	if meta.IsDefined("client", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Client.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("client timeout: %w", err)
		}
		cfg.Client.Timeout = d
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}
	for _, m := range raw.Modules {
		cfg.Modules = append(cfg.Modules, Module{
			ID:        strings.TrimSpace(m.ID),
			Path:      strings.TrimSpace(m.Path),
			Args:      m.Args,
			Autostart: m.Autostart,
		})
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports an error if c is not a usable configuration.
func (c Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host is empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if !slices.Contains(Transports, c.Server.Transport) {
		return fmt.Errorf("unknown transport %q (want one of %s)", c.Server.Transport, strings.Join(Transports, ", "))
	}
	if !slices.Contains(Codecs, c.Server.Codec) {
		return fmt.Errorf("unknown codec %q (want one of %s)", c.Server.Codec, strings.Join(Codecs, ", "))
	}
	if c.Server.Transport == "http" && c.Server.Codec != "json" {
		return fmt.Errorf("the http transport requires the json codec")
	}
	if c.Client.Timeout < 0 {
		return fmt.Errorf("client timeout is negative")
	}
	seen := make(map[string]bool)
	for i, m := range c.Modules {
		if m.ID == "" {
			return fmt.Errorf("module[%d]: id is required", i)
		} else if seen[m.ID] {
			return fmt.Errorf("module[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if m.Path == "" {
			return fmt.Errorf("module %q: path is required", m.ID)
		}
	}
	return nil
}
