// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Rendezvous runs the capability rendezvous scenario end to end.
//
// The originator serves a service directory on its bootstrap right,
// duplicates itself, and runs the rendezvous so that the replica ends
// up with the originator's true bootstrap right while the originator
// holds the replica's task control right. It then maps a shared region
// into the replica, stamps a sentinel into it, and hands the replica
// the region's address over an inherited pipe. The replica reads the
// sentinel through its own mapping, looks up the originator's status
// endpoint in the directory, and reports what it saw.
//
// With --kernel unix (the default on Linux) the replica is a second OS
// process started from this executable, and every right travels as a
// file descriptor. With --kernel sim both sides run in this process on
// the in-memory kernel.
//
// The exit status identifies the step that failed; see
// lib/process.ExitCode.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/config"
	"github.com/bureau-foundation/rendezvous/lib/process"
	"github.com/bureau-foundation/rendezvous/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

// options holds the command line. Flags that were not given leave the
// configuration file's values alone.
type options struct {
	configPath string
	kernel     string
	size       string
	timeout    time.Duration
	sentinel   uint32
	logLevel   string
	version    bool
}

func parseFlags(args []string, output io.Writer) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("rendezvous", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default: $"+config.EnvironmentVariable+", else built-in defaults)")
	flagSet.StringVar(&opts.kernel, "kernel", "", "capability backend: sim or unix")
	flagSet.StringVar(&opts.size, "size", "", `shared region size, rounded up to a page (e.g. "8000" or "8 KiB")`)
	flagSet.DurationVar(&opts.timeout, "timeout", 0, "bound on each protocol receive")
	flagSet.Uint32Var(&opts.sentinel, "sentinel", 0, "word stamped into the shared region")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.BoolVar(&opts.version, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, flagSet, err
		}
		return nil, flagSet, fmt.Errorf("%w: %v", process.ErrUsage, err)
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, fmt.Errorf("%w: unexpected argument %q", process.ErrUsage, flagSet.Arg(0))
	}
	return &opts, flagSet, nil
}

// loadConfig reads the configuration file, if any, and applies the
// flags that were given on top of it.
func loadConfig(opts *options, flagSet *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if flagSet.Changed("kernel") {
		cfg.Kernel.Backend = opts.kernel
	}
	if flagSet.Changed("size") {
		cfg.Region.Size = opts.size
	}
	if flagSet.Changed("timeout") {
		cfg.Rendezvous.ReceiveTimeout = opts.timeout.String()
	}
	if flagSet.Changed("sentinel") {
		cfg.Region.Sentinel = opts.sentinel
	}
	if flagSet.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", process.ErrUsage, err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stderr *os.File) error {
	opts, flagSet, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.version {
		version.Print("rendezvous")
		return nil
	}

	cfg, err := loadConfig(opts, flagSet)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	s, err := newScenario(cfg, clock.Real(), logger)
	if err != nil {
		return err
	}

	// A process started by the unix backend's spawner is the replica
	// half, whatever the command line says.
	if handled, err := runInheritedReplica(ctx, s); handled {
		return err
	}

	backend, err := openBackend(cfg, s)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.close(); err != nil {
			logger.Warn("closing kernel", "backend", backend.name, "error", err)
		}
	}()

	result, err := s.originate(ctx, backend.kernel, backend.duplicator)
	if err != nil {
		return err
	}
	logger.Info("scenario complete",
		"backend", backend.name,
		"replica", result.replicaID,
		"region_size", result.size,
		"remote_address", result.remoteAddress,
		"sentinel", result.sentinel,
	)
	return nil
}
