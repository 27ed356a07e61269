// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simkernel

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// Entry is the program a replica runs. It plays the role of the code
// after the duplication call in the child.
type Entry func(ctx context.Context, start capability.ReplicaStart) error

// Duplicator duplicates tasks of one Machine and runs Entry in each
// replica on its own goroutine.
type Duplicator struct {
	Machine *Machine
	Entry   Entry
}

var _ capability.Duplicator = (*Duplicator)(nil)

// Duplicate implements capability.Duplicator. The replica's context
// carries ctx's values but not its cancellation: a replica outlives the
// call that created it and stops only when it returns or is killed.
func (d *Duplicator) Duplicate(ctx context.Context, parent capability.Kernel, inherited ...*os.File) (capability.Replica, error) {
	parentTask, ok := parent.(*Task)
	if !ok || parentTask.machine != d.Machine {
		return nil, fmt.Errorf("%w: parent is not a task of this machine", capability.ErrInvalidArgument)
	}
	if d.Entry == nil {
		return nil, fmt.Errorf("%w: duplicator has no entry", capability.ErrInvalidArgument)
	}

	child, err := d.Machine.fork(parentTask)
	if err != nil {
		return nil, err
	}

	replicaContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &replica{task: child, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		defer cancel()
		err := d.Entry(replicaContext, capability.ReplicaStart{Kernel: child, Files: inherited})
		handle.mu.Lock()
		handle.err = err
		handle.mu.Unlock()
		// Process exit releases everything the replica held.
		child.Kill()
	}()
	return handle, nil
}

// fork creates a child of parent. The child gets a copy of the parent's
// address space per inheritance and the parent's current bootstrap
// right; nothing else in the parent's namespace carries over.
func (m *Machine) fork(parent *Task) (*Task, error) {
	child := m.NewTask()

	parent.mu.Lock()
	if err := parent.checkAliveLocked(); err != nil {
		parent.mu.Unlock()
		child.Kill()
		return nil, err
	}
	bootstrap := parent.bootstrap
	mappings := parent.space.ordered()
	next := parent.space.next
	parent.mu.Unlock()

	var reserved uint64
	inheritedMappings := make([]*mapping, 0, len(mappings))
	for _, region := range mappings {
		switch region.inherit {
		case capability.InheritNone:
			continue
		case capability.InheritShare:
			shared := *region
			shared.owned = false
			inheritedMappings = append(inheritedMappings, &shared)
		case capability.InheritCopy:
			if err := m.reserve(region.size); err != nil {
				m.release(reserved)
				child.Kill()
				return nil, err
			}
			reserved += region.size
			copied := *region
			data := make([]byte, region.size)
			copy(data, region.object.data[region.offset:region.offset+region.size])
			copied.object = &memoryObject{data: data}
			copied.offset = 0
			copied.owned = true
			inheritedMappings = append(inheritedMappings, &copied)
		}
	}

	child.mu.Lock()
	child.bootstrap = bootstrap
	child.space.next = next
	for _, region := range inheritedMappings {
		child.space.mappings[region.start] = region
	}
	child.mu.Unlock()

	m.logger.Debug("task duplicated",
		"parent", parent.id,
		"child", child.id,
		"inherited_regions", len(inheritedMappings),
		"has_bootstrap", bootstrap != nil,
	)
	return child, nil
}

type replica struct {
	task   *Task
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (r *replica) ID() int { return r.task.id }

func (r *replica) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *replica) Kill() error {
	r.task.Kill()
	r.cancel()
	return nil
}

// TaskOf returns the task behind a replica handle produced by a
// simkernel Duplicator, or nil for any other handle.
func TaskOf(handle capability.Replica) *Task {
	if r, ok := handle.(*replica); ok {
		return r.task
	}
	return nil
}
