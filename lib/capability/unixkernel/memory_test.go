// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

func allocate(t *testing.T, kernel *Kernel, size uint64) capability.Address {
	t.Helper()
	addr, err := kernel.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate(%d): %v", size, err)
	}
	return addr
}

func TestAllocateRequiresPageMultiple(t *testing.T) {
	kernel := newKernelForTest(t)
	for _, size := range []uint64{0, 1, kernel.PageSize() + 1} {
		if _, err := kernel.Allocate(size); !errors.Is(err, capability.ErrInvalidArgument) {
			t.Errorf("Allocate(%d) = %v, want ErrInvalidArgument", size, err)
		}
	}
}

func TestRemoteMapSharesBytes(t *testing.T) {
	owner := newKernelForTest(t)
	target := newKernelForTest(t)
	pageSize := owner.PageSize()

	local := allocate(t, owner, pageSize)
	entryName, size, err := owner.MakeMemoryEntry(local, pageSize, capability.ProtReadWrite)
	if err != nil {
		t.Fatalf("MakeMemoryEntry: %v", err)
	}
	targetSelf, err := target.TaskSelf()
	if err != nil {
		t.Fatalf("TaskSelf: %v", err)
	}
	control := give(t, target, owner, targetSelf)

	remote, err := owner.Map(context.Background(), control, entryName, size, capability.ProtReadWrite, capability.InheritNone)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if remote == local {
		t.Fatalf("remote mapping reuses the local address %v", local)
	}

	localBytes, err := owner.Memory(local, size)
	if err != nil {
		t.Fatalf("owner Memory: %v", err)
	}
	remoteBytes, err := target.Memory(remote, size)
	if err != nil {
		t.Fatalf("target Memory at %v: %v", remote, err)
	}
	localBytes[0] = 42
	if remoteBytes[0] != 42 {
		t.Fatalf("remote byte = %d after local write, want 42", remoteBytes[0])
	}
	remoteBytes[size-1] = 9
	if localBytes[size-1] != 9 {
		t.Fatalf("local byte = %d after remote write, want 9", localBytes[size-1])
	}

	if err := owner.Deallocate(entryName); err != nil {
		t.Fatalf("Deallocate entry: %v", err)
	}
	if remoteBytes[0] != 42 {
		t.Fatal("mapping lost its contents after the entry right was released")
	}
}

func TestLocalMapThroughTaskSelf(t *testing.T) {
	kernel := newKernelForTest(t)
	pageSize := kernel.PageSize()
	local := allocate(t, kernel, 2*pageSize)
	entryName, size, err := kernel.MakeMemoryEntry(local, 2*pageSize, capability.ProtReadWrite)
	if err != nil {
		t.Fatalf("MakeMemoryEntry: %v", err)
	}
	self, err := kernel.TaskSelf()
	if err != nil {
		t.Fatalf("TaskSelf: %v", err)
	}
	alias, err := kernel.Map(context.Background(), self, entryName, size, capability.ProtRead, capability.InheritShare)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	data, _ := kernel.Memory(local, size)
	view, _ := kernel.Memory(alias, size)
	data[pageSize] = 5
	if view[pageSize] != 5 {
		t.Fatalf("alias sees %d, want 5", view[pageSize])
	}
}

func TestReadOnlyEntryLimitsRemoteMappings(t *testing.T) {
	owner := newKernelForTest(t)
	target := newKernelForTest(t)
	pageSize := owner.PageSize()
	local := allocate(t, owner, pageSize)
	readOnly, size, err := owner.MakeMemoryEntry(local, pageSize, capability.ProtRead)
	if err != nil {
		t.Fatalf("MakeMemoryEntry: %v", err)
	}
	targetSelf, _ := target.TaskSelf()
	control := give(t, target, owner, targetSelf)
	ctx := context.Background()

	if _, err := owner.Map(ctx, control, readOnly, size, capability.ProtReadWrite, capability.InheritNone); !errors.Is(err, capability.ErrInvalidArgument) {
		t.Fatalf("read-write Map of read-only entry = %v, want ErrInvalidArgument", err)
	}
	if _, err := owner.Map(ctx, control, readOnly, size, capability.ProtRead, capability.InheritNone); err != nil {
		t.Fatalf("read-only Map: %v", err)
	}

	// The receiving side derives the protection from the descriptor.
	inbox := endpoint(t, target)
	route := give(t, target, owner, inbox)
	if err := owner.Send(ctx, route, capability.NewMessage("test.entry", capability.MemoryDescriptor(readOnly))); err != nil {
		t.Fatalf("Send entry: %v", err)
	}
	received := receive(t, target, inbox).Descriptors[0].Name
	target.mu.Lock()
	prot := target.names[received].prot
	target.mu.Unlock()
	if prot != capability.ProtRead {
		t.Fatalf("received entry protection %v, want read", prot)
	}
}

func TestMapChecksRights(t *testing.T) {
	owner := newKernelForTest(t)
	target := newKernelForTest(t)
	pageSize := owner.PageSize()
	local := allocate(t, owner, pageSize)
	entryName, size, err := owner.MakeMemoryEntry(local, pageSize, capability.ProtReadWrite)
	if err != nil {
		t.Fatalf("MakeMemoryEntry: %v", err)
	}
	targetSelf, _ := target.TaskSelf()
	control := give(t, target, owner, targetSelf)
	messagePort := endpoint(t, owner)
	ctx := context.Background()

	tests := []struct {
		name   string
		task   capability.Name
		object capability.Name
		size   uint64
		want   error
	}{
		{"endpoint as task", messagePort, entryName, size, capability.ErrInvalidRight},
		{"task as object", control, control, size, capability.ErrInvalidRight},
		{"larger than object", control, entryName, 2 * size, capability.ErrInvalidArgument},
		{"zero size", control, entryName, 0, capability.ErrInvalidArgument},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := owner.Map(ctx, test.task, test.object, test.size, capability.ProtReadWrite, capability.InheritNone)
			if !errors.Is(err, test.want) {
				t.Fatalf("Map = %v, want %v", err, test.want)
			}
		})
	}
}

func TestMapIntoClosedKernel(t *testing.T) {
	owner := newKernelForTest(t)
	target := newKernelForTest(t)
	pageSize := owner.PageSize()
	local := allocate(t, owner, pageSize)
	entryName, size, err := owner.MakeMemoryEntry(local, pageSize, capability.ProtReadWrite)
	if err != nil {
		t.Fatalf("MakeMemoryEntry: %v", err)
	}
	targetSelf, _ := target.TaskSelf()
	control := give(t, target, owner, targetSelf)

	target.Close()
	_, err = owner.Map(context.Background(), control, entryName, size, capability.ProtReadWrite, capability.InheritNone)
	if !errors.Is(err, capability.ErrDeadName) {
		t.Fatalf("Map into closed kernel = %v, want ErrDeadName", err)
	}
}

func TestMemoryEntryMustStartRegion(t *testing.T) {
	kernel := newKernelForTest(t)
	pageSize := kernel.PageSize()
	local := allocate(t, kernel, 2*pageSize)
	if _, _, err := kernel.MakeMemoryEntry(local+capability.Address(pageSize), pageSize, capability.ProtRead); !errors.Is(err, capability.ErrInvalidArgument) {
		t.Fatalf("interior entry = %v, want ErrInvalidArgument", err)
	}
	if _, _, err := kernel.MakeMemoryEntry(local, 3*pageSize, capability.ProtRead); !errors.Is(err, capability.ErrInvalidArgument) {
		t.Fatalf("oversized entry = %v, want ErrInvalidArgument", err)
	}
}

func TestDeallocateRegion(t *testing.T) {
	kernel := newKernelForTest(t)
	pageSize := kernel.PageSize()
	local := allocate(t, kernel, pageSize)
	if err := kernel.DeallocateRegion(local, 1); err != nil {
		t.Fatalf("DeallocateRegion: %v", err)
	}
	if _, err := kernel.Memory(local, 1); !errors.Is(err, capability.ErrInvalidArgument) {
		t.Fatalf("Memory after DeallocateRegion = %v", err)
	}
	if err := kernel.DeallocateRegion(local, pageSize); !errors.Is(err, capability.ErrInvalidArgument) {
		t.Fatalf("second DeallocateRegion = %v", err)
	}
}
