// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/rendezvous/lib/capability"
	"github.com/bureau-foundation/rendezvous/lib/capability/simkernel"
	"github.com/bureau-foundation/rendezvous/lib/config"
)

// backend is an opened capability kernel for the originator together
// with the duplicator that creates its replica.
type backend struct {
	name       string
	kernel     capability.Kernel
	duplicator capability.Duplicator
	close      func() error
}

func openBackend(cfg *config.Config, s *scenario) (*backend, error) {
	switch cfg.Kernel.Backend {
	case config.BackendSim:
		return openSimBackend(s)
	case config.BackendUnix:
		return openUnixBackend(s)
	default:
		return nil, fmt.Errorf("unknown kernel backend %q", cfg.Kernel.Backend)
	}
}

// openSimBackend runs both halves in this process: the replica is a
// simulated task whose entry point is the replica half of the scenario.
func openSimBackend(s *scenario) (*backend, error) {
	machine, err := simkernel.New(simkernel.Config{
		PageSize:    s.pageSize,
		MemoryLimit: s.memoryLimit,
		Logger:      s.logger.With("component", "simkernel"),
	})
	if err != nil {
		return nil, err
	}
	task := machine.NewTask()
	return &backend{
		name:   config.BackendSim,
		kernel: task,
		duplicator: &simkernel.Duplicator{
			Machine: machine,
			Entry: func(ctx context.Context, start capability.ReplicaStart) error {
				return s.replicate(ctx, start)
			},
		},
		close: func() error {
			task.Kill()
			return nil
		},
	}, nil
}
