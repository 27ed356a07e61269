// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simkernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// Task is one simulated process. It implements capability.Kernel for
// itself. All methods are safe for concurrent use.
type Task struct {
	machine *Machine
	id      int
	self    *port

	mu        sync.Mutex
	names     map[capability.Name]*entry
	byPort    map[*port]capability.Name
	nextName  capability.Name
	bootstrap *port
	space     addressSpace
	dead      bool
}

var _ capability.Kernel = (*Task)(nil)

func newTask(machine *Machine, id int) *Task {
	task := &Task{
		machine:  machine,
		id:       id,
		names:    make(map[capability.Name]*entry),
		byPort:   make(map[*port]capability.Name),
		nextName: 0x103,
		space:    newAddressSpace(id),
	}
	task.self = machine.newPort(portTask)
	task.self.task = task
	return task
}

// ID returns the task's machine-unique identifier.
func (t *Task) ID() int { return t.id }

// Alive reports whether the task has not been killed or exited.
func (t *Task) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.dead
}

// Kill terminates the task: every endpoint it holds the receive right
// for is destroyed, its task control endpoint dies, and its address
// space is released. Later calls on the task fail with ErrDeadName.
func (t *Task) Kill() {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	var receives []*port
	for _, e := range t.names {
		if e.receive {
			receives = append(receives, e.port)
		}
	}
	t.names = nil
	t.byPort = nil
	t.bootstrap = nil
	released := t.space.clear()
	t.mu.Unlock()

	for _, p := range receives {
		p.destroy()
	}
	t.self.destroy()
	t.machine.release(released)
	t.machine.logger.Debug("task terminated", "task", t.id, "endpoints_destroyed", len(receives))
}

func (t *Task) checkAliveLocked() error {
	if t.dead {
		return fmt.Errorf("%w: task %d has terminated", capability.ErrDeadName, t.id)
	}
	return nil
}

func (t *Task) lookupLocked(name capability.Name) (*entry, error) {
	if err := t.checkAliveLocked(); err != nil {
		return nil, err
	}
	e, ok := t.names[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v in task %d", capability.ErrInvalidName, name, t.id)
	}
	return e, nil
}

// insertLocked adds one send reference to p, reusing the existing name
// if the task already names p.
func (t *Task) insertLocked(p *port) capability.Name {
	if name, ok := t.byPort[p]; ok {
		t.names[name].sends++
		return name
	}
	name := t.nextName
	t.nextName += 4
	t.names[name] = &entry{port: p, sends: 1}
	t.byPort[p] = name
	return name
}

func (t *Task) removeLocked(name capability.Name, e *entry) {
	delete(t.names, name)
	delete(t.byPort, e.port)
}

// AllocateReceive implements capability.Ports.
func (t *Task) AllocateReceive() (capability.Name, error) {
	p := t.machine.newPort(portMessage)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAliveLocked(); err != nil {
		return capability.NullName, err
	}
	name := t.nextName
	t.nextName += 4
	t.names[name] = &entry{port: p, receive: true}
	t.byPort[p] = name
	return name, nil
}

// InsertSendRight implements capability.Ports.
func (t *Task) InsertSendRight(name capability.Name) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(name)
	if err != nil {
		return err
	}
	if !e.receive {
		return fmt.Errorf("%w: %v is not a receive right", capability.ErrInvalidRight, name)
	}
	e.sends++
	return nil
}

// Deallocate implements capability.Ports. For a name that carries both
// rights the receive right goes and the endpoint dies.
func (t *Task) Deallocate(name capability.Name) error {
	t.mu.Lock()
	e, err := t.lookupLocked(name)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if e.receive {
		t.removeLocked(name, e)
		if t.bootstrap == e.port {
			t.bootstrap = nil
		}
		t.mu.Unlock()
		e.port.destroy()
		return nil
	}
	e.sends--
	if e.sends <= 0 {
		t.removeLocked(name, e)
	}
	t.mu.Unlock()
	return nil
}

// Identity implements capability.Ports.
func (t *Task) Identity(name capability.Name) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked(name)
	if err != nil {
		return 0, err
	}
	return e.port.id, nil
}

// Send implements capability.Messaging. It blocks while the destination
// queue is full.
func (t *Task) Send(ctx context.Context, dest capability.Name, msg capability.Message) error {
	data, err := capability.MarshalMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	destination, err := t.lookupLocked(dest)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if destination.sends == 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: no send right for %v", capability.ErrInvalidRight, dest)
	}
	if destination.port.kind != portMessage {
		t.mu.Unlock()
		return fmt.Errorf("%w: %v does not accept messages", capability.ErrInvalidRight, dest)
	}
	rights, moved, err := t.resolveDescriptorsLocked(msg.Descriptors)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	target := destination.port
	if target.isDead() {
		return fmt.Errorf("%w: %v", capability.ErrDeadName, dest)
	}
	select {
	case target.queue <- envelope{data: data, rights: rights}:
	case <-target.dead:
		return fmt.Errorf("%w: %v", capability.ErrDeadName, dest)
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, name := range moved {
		// The right now belongs to the receiver.
		_ = t.Deallocate(name)
	}
	return nil
}

func (t *Task) resolveDescriptorsLocked(descriptors []capability.Descriptor) ([]*port, []capability.Name, error) {
	rights := make([]*port, 0, len(descriptors))
	var moved []capability.Name
	for i, descriptor := range descriptors {
		e, err := t.lookupLocked(descriptor.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		if e.port.descriptorType() != descriptor.Type {
			return nil, nil, fmt.Errorf("%w: descriptor %d declares %s but %v is a %s right",
				capability.ErrInvalidRight, i, descriptor.Type, descriptor.Name, e.port.descriptorType())
		}
		switch descriptor.Disposition {
		case capability.DispositionMakeSend:
			if !e.receive {
				return nil, nil, fmt.Errorf("%w: descriptor %d: make-send needs the receive right for %v",
					capability.ErrInvalidRight, i, descriptor.Name)
			}
		case capability.DispositionCopySend, capability.DispositionMoveSend:
			if e.sends == 0 {
				return nil, nil, fmt.Errorf("%w: descriptor %d: no send right for %v",
					capability.ErrInvalidRight, i, descriptor.Name)
			}
			if descriptor.Disposition == capability.DispositionMoveSend {
				moved = append(moved, descriptor.Name)
			}
		}
		rights = append(rights, e.port)
	}
	return rights, moved, nil
}

// Receive implements capability.Messaging.
func (t *Task) Receive(ctx context.Context, name capability.Name) (capability.Message, error) {
	t.mu.Lock()
	e, err := t.lookupLocked(name)
	if err != nil {
		t.mu.Unlock()
		return capability.Message{}, err
	}
	if !e.receive {
		t.mu.Unlock()
		return capability.Message{}, fmt.Errorf("%w: %v is not a receive right", capability.ErrInvalidRight, name)
	}
	source := e.port
	t.mu.Unlock()

	var delivered envelope
	select {
	case delivered = <-source.queue:
	case <-source.dead:
		return capability.Message{}, fmt.Errorf("%w: %v", capability.ErrDeadName, name)
	case <-ctx.Done():
		return capability.Message{}, ctx.Err()
	}

	msg, err := capability.UnmarshalMessage(delivered.data)
	if err != nil {
		return capability.Message{}, err
	}
	if len(msg.Descriptors) != len(delivered.rights) {
		return capability.Message{}, fmt.Errorf("%w: %d descriptors for %d rights",
			capability.ErrProtocolViolation, len(msg.Descriptors), len(delivered.rights))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAliveLocked(); err != nil {
		return capability.Message{}, err
	}
	for i, right := range delivered.rights {
		msg.Descriptors[i].Name = t.insertLocked(right)
	}
	return msg, nil
}

// TaskSelf implements capability.SpecialPorts.
func (t *Task) TaskSelf() (capability.Name, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAliveLocked(); err != nil {
		return capability.NullName, err
	}
	return t.insertLocked(t.self), nil
}

// Bootstrap implements capability.SpecialPorts.
func (t *Task) Bootstrap() (capability.Name, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAliveLocked(); err != nil {
		return capability.NullName, err
	}
	if t.bootstrap == nil {
		return capability.NullName, nil
	}
	return t.insertLocked(t.bootstrap), nil
}

// SetBootstrap implements capability.SpecialPorts.
func (t *Task) SetBootstrap(name capability.Name) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name == capability.NullName {
		if err := t.checkAliveLocked(); err != nil {
			return err
		}
		t.bootstrap = nil
		return nil
	}
	e, err := t.lookupLocked(name)
	if err != nil {
		return err
	}
	if e.sends == 0 || e.port.kind != portMessage {
		return fmt.Errorf("%w: bootstrap must be a send right to an endpoint", capability.ErrInvalidRight)
	}
	t.bootstrap = e.port
	return nil
}
