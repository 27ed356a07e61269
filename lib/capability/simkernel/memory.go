// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simkernel

import (
	"context"
	"fmt"
	"sort"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// memoryObject is the backing store shared by every mapping of it.
type memoryObject struct {
	data []byte
}

// memoryEntry is what a memory object right refers to: a window onto
// an object with a protection ceiling.
type memoryEntry struct {
	object *memoryObject
	offset uint64
	size   uint64
	prot   capability.Protection
}

type mapping struct {
	start   capability.Address
	size    uint64
	object  *memoryObject
	offset  uint64
	prot    capability.Protection
	inherit capability.Inheritance

	// owned mappings were created by Allocate (or copied from one) and
	// count against the machine's memory limit.
	owned bool
}

func (m *mapping) end() capability.Address { return m.start + capability.Address(m.size) }

func (m *mapping) contains(addr capability.Address, size uint64) bool {
	return addr >= m.start && addr+capability.Address(size) <= m.end()
}

// addressSpace hands out addresses upward from a per-task base with a
// guard page between regions, so distinct tasks rarely produce equal
// addresses and an overrun never lands in a neighbour.
type addressSpace struct {
	next     capability.Address
	mappings map[capability.Address]*mapping
}

func newAddressSpace(taskID int) addressSpace {
	return addressSpace{
		next:     capability.Address(0x10_0000_0000 * uint64(taskID+1)),
		mappings: make(map[capability.Address]*mapping),
	}
}

func (s *addressSpace) place(m *mapping, pageSize uint64) capability.Address {
	m.start = s.next
	s.next += capability.Address(m.size + pageSize)
	s.mappings[m.start] = m
	return m.start
}

func (s *addressSpace) find(addr capability.Address, size uint64) *mapping {
	for _, m := range s.mappings {
		if m.contains(addr, size) {
			return m
		}
	}
	return nil
}

// clear drops every mapping and returns the owned bytes released.
func (s *addressSpace) clear() uint64 {
	var released uint64
	for _, m := range s.mappings {
		if m.owned {
			released += m.size
		}
	}
	s.mappings = make(map[capability.Address]*mapping)
	return released
}

// ordered returns mappings by start address.
func (s *addressSpace) ordered() []*mapping {
	result := make([]*mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].start < result[j].start })
	return result
}

// PageSize implements capability.VirtualMemory.
func (t *Task) PageSize() uint64 { return t.machine.pageSize }

// Allocate implements capability.VirtualMemory.
func (t *Task) Allocate(size uint64) (capability.Address, error) {
	pageSize := t.machine.pageSize
	if size == 0 || size%pageSize != 0 {
		return 0, fmt.Errorf("%w: allocation size %d is not a positive multiple of page size %d",
			capability.ErrInvalidArgument, size, pageSize)
	}
	if err := t.machine.reserve(size); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAliveLocked(); err != nil {
		t.machine.release(size)
		return 0, err
	}
	m := &mapping{
		size:    size,
		object:  &memoryObject{data: make([]byte, size)},
		prot:    capability.ProtReadWrite,
		inherit: capability.InheritCopy,
		owned:   true,
	}
	return t.space.place(m, pageSize), nil
}

// DeallocateRegion implements capability.VirtualMemory. The range must
// be exactly one region previously returned by Allocate or Map.
func (t *Task) DeallocateRegion(addr capability.Address, size uint64) error {
	t.mu.Lock()
	if err := t.checkAliveLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	m, ok := t.space.mappings[addr]
	if !ok || m.size != capability.RoundPage(size, t.machine.pageSize) {
		t.mu.Unlock()
		return fmt.Errorf("%w: no region of %d bytes at %v", capability.ErrInvalidArgument, size, addr)
	}
	delete(t.space.mappings, addr)
	t.mu.Unlock()

	if m.owned {
		t.machine.release(m.size)
	}
	return nil
}

// MakeMemoryEntry implements capability.VirtualMemory.
func (t *Task) MakeMemoryEntry(addr capability.Address, size uint64, prot capability.Protection) (capability.Name, uint64, error) {
	rounded := capability.RoundPage(size, t.machine.pageSize)
	if rounded == 0 || !capability.Aligned(addr, t.machine.pageSize) {
		return capability.NullName, 0, fmt.Errorf("%w: memory entry of %d bytes at %v",
			capability.ErrInvalidArgument, size, addr)
	}
	p := t.machine.newPort(portMemory)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAliveLocked(); err != nil {
		return capability.NullName, 0, err
	}
	m := t.space.find(addr, rounded)
	if m == nil {
		return capability.NullName, 0, fmt.Errorf("%w: [%v, +%d) is not inside one region",
			capability.ErrInvalidArgument, addr, rounded)
	}
	if prot&^m.prot != 0 {
		return capability.NullName, 0, fmt.Errorf("%w: entry protection %v exceeds region protection %v",
			capability.ErrInvalidArgument, prot, m.prot)
	}
	p.entry = &memoryEntry{
		object: m.object,
		offset: m.offset + uint64(addr-m.start),
		size:   rounded,
		prot:   prot,
	}
	return t.insertLocked(p), rounded, nil
}

// Map implements capability.VirtualMemory. The mapping is made directly
// in the target task's address space; the target runs no code.
func (t *Task) Map(ctx context.Context, task capability.Name, object capability.Name, size uint64, prot capability.Protection, inherit capability.Inheritance) (capability.Address, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rounded := capability.RoundPage(size, t.machine.pageSize)

	t.mu.Lock()
	taskEntry, err := t.lookupLocked(task)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	objectEntry, err := t.lookupLocked(object)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	t.mu.Unlock()

	if taskEntry.port.kind != portTask {
		return 0, fmt.Errorf("%w: %v is not a task control right", capability.ErrInvalidRight, task)
	}
	if objectEntry.port.kind != portMemory {
		return 0, fmt.Errorf("%w: %v is not a memory object right", capability.ErrInvalidRight, object)
	}
	source := objectEntry.port.entry
	if rounded == 0 || rounded > source.size {
		return 0, fmt.Errorf("%w: mapping %d bytes of a %d-byte object", capability.ErrInvalidArgument, size, source.size)
	}
	if prot&^source.prot != 0 {
		return 0, fmt.Errorf("%w: mapping protection %v exceeds object protection %v",
			capability.ErrInvalidArgument, prot, source.prot)
	}

	target := taskEntry.port.task
	if taskEntry.port.isDead() {
		return 0, fmt.Errorf("%w: task %d has terminated", capability.ErrDeadName, target.id)
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if err := target.checkAliveLocked(); err != nil {
		return 0, err
	}
	m := &mapping{
		size:    rounded,
		object:  source.object,
		offset:  source.offset,
		prot:    prot,
		inherit: inherit,
	}
	return target.space.place(m, t.machine.pageSize), nil
}

// Memory implements capability.VirtualMemory.
func (t *Task) Memory(addr capability.Address, size uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAliveLocked(); err != nil {
		return nil, err
	}
	m := t.space.find(addr, size)
	if m == nil {
		return nil, fmt.Errorf("%w: [%v, +%d) is not mapped in task %d", capability.ErrInvalidArgument, addr, size, t.id)
	}
	start := m.offset + uint64(addr-m.start)
	return m.object.data[start : start+size : start+size], nil
}

// Regions returns the number of mappings in the task's address space.
func (t *Task) Regions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.space.mappings)
}
