// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"errors"

	"github.com/bureau-foundation/rendezvous/lib/capability/unixkernel"
	"github.com/bureau-foundation/rendezvous/lib/config"
)

// openUnixBackend opens a descriptor-backed kernel whose replicas are
// new instances of this executable, started with the same arguments.
func openUnixBackend(s *scenario) (*backend, error) {
	logger := s.logger.With("component", "unixkernel")
	kernel, err := unixkernel.New(unixkernel.Config{Logger: logger})
	if err != nil {
		return nil, err
	}
	return &backend{
		name:       config.BackendUnix,
		kernel:     kernel,
		duplicator: &unixkernel.Spawner{Logger: logger},
		close:      kernel.Close,
	}, nil
}

// runInheritedReplica runs the replica half when this process was
// started by the unix backend's spawner. It reports handled=false in
// any other process.
func runInheritedReplica(ctx context.Context, s *scenario) (handled bool, err error) {
	start, ok, err := unixkernel.InheritedStart(unixkernel.Config{Logger: s.logger.With("component", "unixkernel")})
	if !ok {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	err = s.replicate(ctx, start)
	for _, file := range start.Files {
		file.Close()
	}
	if closer, ok := start.Kernel.(*unixkernel.Kernel); ok {
		err = errors.Join(err, closer.Close())
	}
	return true, err
}
