// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// region is one mapping in this process. Every region is a shared
// mapping of a memfd, so any region can back a memory entry.
type region struct {
	data []byte
	fd   int
	prot capability.Protection
}

func (r *region) address() capability.Address {
	return capability.Address(uintptr(unsafe.Pointer(unsafe.SliceData(r.data))))
}

func (r *region) size() uint64 { return uint64(len(r.data)) }

func (r *region) release() {
	unix.Munmap(r.data)
	unix.Close(r.fd)
}

func mmapProtection(prot capability.Protection) int {
	flags := unix.PROT_NONE
	if prot&capability.ProtRead != 0 {
		flags |= unix.PROT_READ
	}
	if prot&capability.ProtWrite != 0 {
		flags |= unix.PROT_WRITE
	}
	return flags
}

// mapFile maps the first size bytes of fd and takes ownership of fd on
// success. A shared file mapping cannot be copied on fork by Linux, so
// InheritCopy behaves as InheritShare; InheritNone is MADV_DONTFORK.
func mapFile(fd int, size uint64, prot capability.Protection, inherit capability.Inheritance) (*region, error) {
	data, err := unix.Mmap(fd, 0, int(size), mmapProtection(prot), unix.MAP_SHARED)
	if err != nil {
		return nil, errnoError("mmap", err)
	}
	if inherit == capability.InheritNone {
		if err := unix.Madvise(data, unix.MADV_DONTFORK); err != nil {
			unix.Munmap(data)
			return nil, errnoError("madvise", err)
		}
	}
	return &region{data: data, fd: fd, prot: prot}, nil
}

func (k *Kernel) addRegion(r *region) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		return err
	}
	k.regions[r.address()] = r
	return nil
}

// PageSize implements capability.VirtualMemory.
func (k *Kernel) PageSize() uint64 { return k.pageSize }

// Allocate implements capability.VirtualMemory. The region is a fresh
// memfd mapped shared and read+write.
func (k *Kernel) Allocate(size uint64) (capability.Address, error) {
	if size == 0 || size%k.pageSize != 0 {
		return 0, fmt.Errorf("%w: allocation size %d is not a positive multiple of page size %d",
			capability.ErrInvalidArgument, size, k.pageSize)
	}
	fd, err := unix.MemfdCreate("capability-region", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, errnoError("memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return 0, errnoError("ftruncate", err)
	}
	r, err := mapFile(fd, size, capability.ProtReadWrite, capability.InheritCopy)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := k.addRegion(r); err != nil {
		r.release()
		return 0, err
	}
	return r.address(), nil
}

// DeallocateRegion implements capability.VirtualMemory. The range must
// be exactly one region previously returned by Allocate or Map.
func (k *Kernel) DeallocateRegion(addr capability.Address, size uint64) error {
	k.mu.Lock()
	if err := k.checkOpenLocked(); err != nil {
		k.mu.Unlock()
		return err
	}
	r, ok := k.regions[addr]
	if !ok || r.size() != capability.RoundPage(size, k.pageSize) {
		k.mu.Unlock()
		return fmt.Errorf("%w: no region of %d bytes at %v", capability.ErrInvalidArgument, size, addr)
	}
	delete(k.regions, addr)
	k.mu.Unlock()

	r.release()
	return nil
}

// MakeMemoryEntry implements capability.VirtualMemory. Entries start at
// the base of a region because a memfd descriptor carries no offset.
// A read-only entry is a read-only descriptor for the file.
func (k *Kernel) MakeMemoryEntry(addr capability.Address, size uint64, prot capability.Protection) (capability.Name, uint64, error) {
	rounded := capability.RoundPage(size, k.pageSize)

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		return capability.NullName, 0, err
	}
	r, ok := k.regions[addr]
	if !ok || rounded == 0 || rounded > r.size() {
		return capability.NullName, 0, fmt.Errorf("%w: memory entry of %d bytes at %v does not start a region large enough",
			capability.ErrInvalidArgument, size, addr)
	}
	if prot&^r.prot != 0 {
		return capability.NullName, 0, fmt.Errorf("%w: entry protection %v exceeds region protection %v",
			capability.ErrInvalidArgument, prot, r.prot)
	}

	var fd int
	var err error
	if prot&capability.ProtWrite != 0 {
		fd, err = dupCloexec(r.fd)
	} else {
		fd, err = unix.Open(fmt.Sprintf("/proc/self/fd/%d", r.fd), unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			err = errnoError("reopen read-only", err)
		}
	}
	if err != nil {
		return capability.NullName, 0, err
	}
	key, err := objectOf(fd)
	if err != nil {
		unix.Close(fd)
		return capability.NullName, 0, err
	}
	return k.insertLocked(fd, rightMemory, key, rounded, prot), rounded, nil
}

// Map implements capability.VirtualMemory. When task names this
// process the mapping is made directly; otherwise the request goes to
// the owning process's task server and Map waits for its reply.
func (k *Kernel) Map(ctx context.Context, task capability.Name, object capability.Name, size uint64, prot capability.Protection, inherit capability.Inheritance) (capability.Address, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rounded := capability.RoundPage(size, k.pageSize)

	taskFD, taskEntry, err := k.duplicateSend(task, rightTask)
	if err != nil {
		return 0, err
	}
	defer unix.Close(taskFD)
	objectFD, objectEntry, err := k.duplicateSend(object, rightMemory)
	if err != nil {
		return 0, err
	}
	ownsObject := true
	defer func() {
		if ownsObject {
			unix.Close(objectFD)
		}
	}()

	if rounded == 0 || rounded > objectEntry.size {
		return 0, fmt.Errorf("%w: mapping %d bytes of a %d-byte object", capability.ErrInvalidArgument, size, objectEntry.size)
	}
	if prot&^objectEntry.prot != 0 {
		return 0, fmt.Errorf("%w: mapping protection %v exceeds object protection %v",
			capability.ErrInvalidArgument, prot, objectEntry.prot)
	}

	if taskEntry.key == k.server.key {
		r, err := mapFile(objectFD, rounded, prot, inherit)
		if err != nil {
			return 0, err
		}
		ownsObject = false
		if err := k.addRegion(r); err != nil {
			r.release()
			return 0, err
		}
		k.logger.Debug("memory mapped", "address", r.address(), "size", rounded, "inherit", inherit)
		return r.address(), nil
	}
	return requestMap(ctx, taskFD, objectFD, rounded, prot, inherit)
}

// Memory implements capability.VirtualMemory. The slice aliases the
// mapping and is valid until the region is deallocated.
func (k *Kernel) Memory(addr capability.Address, size uint64) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		return nil, err
	}
	for base, r := range k.regions {
		if addr >= base && uint64(addr-base)+size <= r.size() {
			start := uint64(addr - base)
			return r.data[start : start+size : start+size], nil
		}
	}
	return nil, fmt.Errorf("%w: [%v, +%d) is not mapped", capability.ErrInvalidArgument, addr, size)
}
