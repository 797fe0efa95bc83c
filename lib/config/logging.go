// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger from a validated LogConfig.
// Output goes to stderr so stdout stays free for command output.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
