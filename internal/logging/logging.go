// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package logging constructs the structured loggers used by the synapse
// command-line tool.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel is the name of an environment variable that, if set, overrides
// the configured log level.
const EnvLevel = "SYNAPSE_LOG_LEVEL"

// New constructs a logger at the given level ("debug", "info", "warn",
// "error"). The level "off" returns a logger that discards everything. If
// development is true, the logger writes human-readable console output;
// otherwise it writes JSON. Output goes to stderr.
func New(level string, development bool) (*zap.Logger, error) {
	if v := os.Getenv(EnvLevel); v != "" {
		level = v
	}
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "":
		level = "info"
	case "off", "none":
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
