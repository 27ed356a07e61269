// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sharedregion creates memory shared between the calling
// process and another process for which it holds a task control right.
//
// The region is allocated locally, wrapped in a read+write memory entry,
// and mapped into the other process through its task control right. The
// other process takes no part. Its mapping is not inherited by its own
// duplicates. The first word of the region is stamped with a sentinel in
// native byte order so that the other side can check it is looking at
// the right memory.
package sharedregion

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// DefaultSentinel is the value written to the first word of a new
// region when Setup.Sentinel is zero.
const DefaultSentinel uint32 = 42

// SentinelSize is the size of the stamped word.
const SentinelSize = 4

// Setup creates shared regions from one process.
type Setup struct {
	// Kernel is the calling process's kernel. Required.
	Kernel capability.Kernel

	// Logger receives a record per region. Nil discards them.
	Logger *slog.Logger

	// Sentinel is the value stamped into new regions. Zero means
	// DefaultSentinel.
	Sentinel uint32
}

// Region is memory mapped both in the calling process and in a remote
// process.
type Region struct {
	kernel        capability.Kernel
	localAddress  capability.Address
	remoteAddress capability.Address
	size          uint64
	bytes         []byte
}

// LocalAddress is the base of the mapping in the calling process.
func (r *Region) LocalAddress() capability.Address { return r.localAddress }

// RemoteAddress is the base of the mapping in the remote process. It is
// meaningless in the calling process's address space.
func (r *Region) RemoteAddress() capability.Address { return r.remoteAddress }

// Size is the requested size rounded up to a whole number of pages.
func (r *Region) Size() uint64 { return r.size }

// Bytes is the local view of the region.
func (r *Region) Bytes() []byte { return r.bytes }

// Sentinel reads the first word of the local view. It fails once the
// region is closed.
func (r *Region) Sentinel() (uint32, error) {
	if r.bytes == nil {
		return 0, fmt.Errorf("%w: region at %v is closed", capability.ErrInvalidArgument, r.localAddress)
	}
	return ReadSentinel(r.bytes)
}

// Close releases the local mapping. The remote mapping lives until the
// remote process releases it or exits.
func (r *Region) Close() error {
	if r.bytes == nil {
		return nil
	}
	r.bytes = nil
	return capability.Wrap(capability.ErrMemoryObject, "releasing local region",
		r.kernel.DeallocateRegion(r.localAddress, r.size))
}

// ReadSentinel decodes the sentinel word at the start of data, which
// must hold at least SentinelSize bytes.
func ReadSentinel(data []byte) (uint32, error) {
	if len(data) < SentinelSize {
		return 0, fmt.Errorf("%w: %d bytes cannot hold a %d-byte sentinel",
			capability.ErrInvalidArgument, len(data), SentinelSize)
	}
	return binary.NativeEndian.Uint32(data[:SentinelSize]), nil
}

// Establish creates a region of at least size bytes shared with the
// process whose task control right is replicaTask.
//
// Allocation and memory entry failures are MemoryObjectErrors; failure
// to map into the remote process is a RemoteMappingError. The memory
// entry right is released before Establish returns, and the local
// region is released on every failure.
func (s *Setup) Establish(ctx context.Context, replicaTask capability.Name, size uint64) (*Region, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sentinel := s.Sentinel
	if sentinel == 0 {
		sentinel = DefaultSentinel
	}
	kernel := s.Kernel

	if size == 0 {
		return nil, capability.Wrap(capability.ErrMemoryObject, "sizing shared region",
			fmt.Errorf("%w: size must be positive", capability.ErrInvalidArgument))
	}
	pageSize := kernel.PageSize()
	if size > math.MaxUint64-pageSize+1 {
		return nil, capability.Wrap(capability.ErrMemoryObject, "sizing shared region",
			fmt.Errorf("%w: size %d cannot be rounded to a multiple of page size %d",
				capability.ErrInvalidArgument, size, pageSize))
	}
	rounded := capability.RoundPage(size, pageSize)

	local, err := kernel.Allocate(rounded)
	if err != nil {
		return nil, capability.Wrap(capability.ErrMemoryObject, "allocating shared region", err)
	}
	releaseLocal := func() {
		if err := kernel.DeallocateRegion(local, rounded); err != nil {
			logger.Warn("releasing local region failed", "address", local, "error", err)
		}
	}

	entry, entrySize, err := kernel.MakeMemoryEntry(local, rounded, capability.ProtReadWrite)
	if err != nil {
		releaseLocal()
		return nil, capability.Wrap(capability.ErrMemoryObject, "creating memory entry", err)
	}
	defer func() {
		if err := kernel.Deallocate(entry); err != nil {
			logger.Warn("releasing memory entry failed", "name", entry, "error", err)
		}
	}()
	if entrySize != rounded {
		releaseLocal()
		return nil, capability.Wrap(capability.ErrMemoryObject, "creating memory entry",
			fmt.Errorf("%w: entry covers %d bytes, region is %d", capability.ErrInvalidArgument, entrySize, rounded))
	}

	remote, err := kernel.Map(ctx, replicaTask, entry, rounded, capability.ProtReadWrite, capability.InheritNone)
	if err != nil {
		releaseLocal()
		return nil, capability.Wrap(capability.ErrRemoteMapping, "mapping region into replica", err)
	}

	bytes, err := kernel.Memory(local, rounded)
	if err != nil {
		releaseLocal()
		return nil, capability.Wrap(capability.ErrMemoryObject, "reading local region", err)
	}
	binary.NativeEndian.PutUint32(bytes[:SentinelSize], sentinel)

	logger.Info("shared region established",
		"size", humanize.IBytes(rounded),
		"requested", size,
		"local_address", local,
		"remote_address", remote,
	)
	return &Region{
		kernel:        kernel,
		localAddress:  local,
		remoteAddress: remote,
		size:          rounded,
		bytes:         bytes,
	}, nil
}
