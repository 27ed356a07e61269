// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"fmt"
	"os"
)

// Name is a process-local handle for a right. NullName never names a
// right.
type Name uint32

// NullName is the absent right.
const NullName Name = 0

func (n Name) String() string {
	if n == NullName {
		return "name(null)"
	}
	return fmt.Sprintf("name(%#x)", uint32(n))
}

// Address is a virtual address inside one specific address space. An
// Address is meaningless outside the address space that produced it.
type Address uint64

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Protection is a set of memory access permissions.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite

	ProtNone      Protection = 0
	ProtReadWrite            = ProtRead | ProtWrite
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtRead:
		return "r--"
	case ProtWrite:
		return "-w-"
	case ProtReadWrite:
		return "rw-"
	}
	return fmt.Sprintf("prot(%#x)", uint8(p))
}

// Inheritance says what a duplicated process receives for a mapping.
type Inheritance uint8

const (
	// InheritCopy gives the duplicate a private copy of the pages.
	// It is the default for freshly allocated regions.
	InheritCopy Inheritance = iota

	// InheritShare gives the duplicate a mapping of the same pages.
	InheritShare

	// InheritNone leaves the range unmapped in the duplicate.
	InheritNone
)

func (i Inheritance) String() string {
	switch i {
	case InheritCopy:
		return "copy"
	case InheritShare:
		return "share"
	case InheritNone:
		return "none"
	}
	return fmt.Sprintf("inheritance(%d)", uint8(i))
}

// Ports manages rights in the calling process's namespace.
type Ports interface {
	// AllocateReceive creates a new endpoint and returns the name of
	// its receive right.
	AllocateReceive() (Name, error)

	// InsertSendRight adds a send right, under the same name, to an
	// endpoint whose receive right the caller holds.
	InsertSendRight(name Name) error

	// Deallocate releases the right named by name. Releasing a receive
	// right destroys the endpoint: pending and future sends to it fail
	// with ErrDeadName.
	Deallocate(name Name) error

	// Identity returns a value that is equal for two names, in any
	// processes of the same kernel, exactly when they refer to the same
	// endpoint or memory object.
	Identity(name Name) (uint64, error)
}

// Messaging moves messages and the rights they carry.
type Messaging interface {
	// Send enqueues msg on the endpoint named by dest. The caller must
	// hold a send right (or a receive right with a send right) for
	// dest. Descriptor names are resolved in the caller's namespace.
	Send(ctx context.Context, dest Name, msg Message) error

	// Receive dequeues the next message from the endpoint whose receive
	// right is name, blocking until one arrives, the endpoint dies, or
	// ctx is done. Descriptor names in the result are valid in the
	// caller's namespace.
	Receive(ctx context.Context, name Name) (Message, error)
}

// SpecialPorts exposes the per-process distinguished rights.
type SpecialPorts interface {
	// TaskSelf returns a send right to the calling process's task
	// control endpoint.
	TaskSelf() (Name, error)

	// Bootstrap returns the calling process's current bootstrap right,
	// or NullName if none is installed.
	Bootstrap() (Name, error)

	// SetBootstrap replaces the calling process's bootstrap right. The
	// caller keeps its own name for the previous right.
	SetBootstrap(name Name) error
}

// VirtualMemory manages the calling process's address space and
// memory objects.
type VirtualMemory interface {
	// PageSize is the allocation granularity.
	PageSize() uint64

	// Allocate reserves size bytes (a multiple of PageSize) at an
	// address the kernel chooses, zero-filled, read+write.
	Allocate(size uint64) (Address, error)

	// DeallocateRegion releases a range returned by Allocate or Map.
	DeallocateRegion(addr Address, size uint64) error

	// MakeMemoryEntry creates a memory object backed exactly by the
	// range [addr, addr+size) of the caller's address space and returns
	// a right to it together with the rounded size. prot bounds what
	// mappings of the object may allow.
	MakeMemoryEntry(addr Address, size uint64, prot Protection) (Name, uint64, error)

	// Map maps size bytes of the memory object named by object into the
	// address space of the process whose task control right is task, at
	// an address that process's kernel chooses, and returns that
	// address. task may name the caller's own task control right.
	Map(ctx context.Context, task Name, object Name, size uint64, prot Protection, inherit Inheritance) (Address, error)

	// Memory returns the caller's view of [addr, addr+size). The slice
	// aliases the mapping; it stays valid until the range is released.
	Memory(addr Address, size uint64) ([]byte, error)
}

// Kernel is one process's view of the kernel capability service.
type Kernel interface {
	Ports
	Messaging
	SpecialPorts
	VirtualMemory
}

// ReplicaStart is what a replica receives at its entry point.
type ReplicaStart struct {
	// Kernel is the replica's own view of the kernel. Its bootstrap
	// right is the one the originator held at duplication time.
	Kernel Kernel

	// Files are the inherited byte-stream descriptors, in the order the
	// originator passed them to Duplicate.
	Files []*os.File
}

// Replica is the originator's handle on a duplicated process.
type Replica interface {
	// ID identifies the replica (a PID for OS processes).
	ID() int

	// Wait blocks until the replica exits or ctx is done and returns
	// the replica's failure, if any.
	Wait(ctx context.Context) error

	// Kill terminates the replica. Killing an exited replica is not an
	// error.
	Kill() error
}

// Duplicator creates a replica of the calling process. The replica's
// bootstrap right is the parent's bootstrap right at the instant of the
// call; inherited files are passed through in order.
type Duplicator interface {
	Duplicate(ctx context.Context, parent Kernel, inherited ...*os.File) (Replica, error)
}
