// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

var inProcessReplicaIDs atomic.Int64

// InProcess duplicates a Kernel within the calling process: the replica
// gets a new Kernel whose only right is a copy of the parent's
// bootstrap, and Entry runs on its own goroutine. Every right still
// travels through real sockets, so this exercises the same paths as
// Spawner without starting a process.
type InProcess struct {
	Entry  func(ctx context.Context, start capability.ReplicaStart) error
	Logger *slog.Logger
}

var _ capability.Duplicator = (*InProcess)(nil)

// Duplicate implements capability.Duplicator. Inherited files are
// passed to Entry as they are.
func (d *InProcess) Duplicate(ctx context.Context, parent capability.Kernel, inherited ...*os.File) (capability.Replica, error) {
	kernel, ok := parent.(*Kernel)
	if !ok {
		return nil, fmt.Errorf("%w: in-process duplication needs a unixkernel parent, got %T", capability.ErrInvalidArgument, parent)
	}
	if d.Entry == nil {
		return nil, fmt.Errorf("%w: duplicator has no entry", capability.ErrInvalidArgument)
	}
	bootstrapFD, err := kernel.bootstrapDescriptor()
	if err != nil {
		return nil, err
	}
	child, err := newKernel(Config{Logger: d.Logger}, bootstrapFD)
	if err != nil {
		return nil, err
	}

	replicaContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &threadReplica{
		id:     int(inProcessReplicaIDs.Add(1)),
		kernel: child,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(handle.done)
		defer cancel()
		err := d.Entry(replicaContext, capability.ReplicaStart{Kernel: child, Files: inherited})
		handle.mu.Lock()
		handle.err = err
		handle.mu.Unlock()
		child.Close()
	}()
	return handle, nil
}

type threadReplica struct {
	id     int
	kernel *Kernel
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (r *threadReplica) ID() int { return r.id }

func (r *threadReplica) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *threadReplica) Kill() error {
	r.cancel()
	return r.kernel.Close()
}
