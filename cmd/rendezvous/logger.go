// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/rendezvous/lib/config"
)

// newLogger builds the process logger on output. With format auto it
// uses slog.TextHandler when output is a terminal and slog.JSONHandler
// when it is piped or redirected, so collected logs stay parseable.
func newLogger(cfg *config.Config, output *os.File) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	format := cfg.Logging.Format
	if format == config.FormatAuto {
		format = config.FormatJSON
		if term.IsTerminal(int(output.Fd())) {
			format = config.FormatText
		}
	}

	var handler slog.Handler
	if format == config.FormatText {
		handler = slog.NewTextHandler(output, options)
	} else {
		handler = slog.NewJSONHandler(output, options)
	}
	return slog.New(handler).With("pid", os.Getpid()), nil
}
