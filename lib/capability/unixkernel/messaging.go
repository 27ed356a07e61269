// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// Send implements capability.Messaging. The task control right is not
// a message endpoint; sending to it fails with ErrInvalidRight.
func (k *Kernel) Send(ctx context.Context, dest capability.Name, msg capability.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	fd, _, err := k.duplicateSend(dest, rightEndpoint)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	rights, moved, err := k.resolveDescriptors(msg.Descriptors)
	if err != nil {
		return err
	}
	defer closeAll(rights)

	if err := sendPacket(ctx, fd, msg, rights); err != nil {
		return err
	}
	for _, name := range moved {
		// The receiver holds the right now.
		_ = k.Deallocate(name)
	}
	return nil
}

// resolveDescriptors returns private duplicates of the descriptors to
// transfer, and the names whose rights move with the message.
func (k *Kernel) resolveDescriptors(descriptors []capability.Descriptor) ([]int, []capability.Name, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	fds := make([]int, 0, len(descriptors))
	var moved []capability.Name
	for i, descriptor := range descriptors {
		e, err := k.lookupLocked(descriptor.Name)
		if err != nil {
			closeAll(fds)
			return nil, nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		if e.kind.descriptorType() != descriptor.Type {
			closeAll(fds)
			return nil, nil, fmt.Errorf("%w: descriptor %d declares %s but %v is a %s right",
				capability.ErrInvalidRight, i, descriptor.Type, descriptor.Name, e.kind.descriptorType())
		}
		switch descriptor.Disposition {
		case capability.DispositionMakeSend:
			if !e.receive {
				closeAll(fds)
				return nil, nil, fmt.Errorf("%w: descriptor %d: make-send needs the receive right for %v",
					capability.ErrInvalidRight, i, descriptor.Name)
			}
		case capability.DispositionCopySend, capability.DispositionMoveSend:
			if e.sends == 0 {
				closeAll(fds)
				return nil, nil, fmt.Errorf("%w: descriptor %d: no send right for %v",
					capability.ErrInvalidRight, i, descriptor.Name)
			}
			if descriptor.Disposition == capability.DispositionMoveSend {
				moved = append(moved, descriptor.Name)
			}
		}
		fd, err := dupCloexec(e.sendFD)
		if err != nil {
			closeAll(fds)
			return nil, nil, err
		}
		fds = append(fds, fd)
	}
	return fds, moved, nil
}

// Receive implements capability.Messaging. A receive blocked on an
// endpoint whose receive right is deallocated, or on a closed Kernel,
// fails with ErrDeadName.
func (k *Kernel) Receive(ctx context.Context, name capability.Name) (capability.Message, error) {
	k.mu.Lock()
	e, err := k.lookupLocked(name)
	if err != nil {
		k.mu.Unlock()
		return capability.Message{}, err
	}
	if !e.receive {
		k.mu.Unlock()
		return capability.Message{}, fmt.Errorf("%w: %v is not a receive right", capability.ErrInvalidRight, name)
	}
	fd, err := dupCloexec(e.recvFD)
	k.mu.Unlock()
	if err != nil {
		return capability.Message{}, err
	}
	defer unix.Close(fd)

	held := func() error {
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.closed || k.names[name] != e {
			return fmt.Errorf("%w: %v", capability.ErrDeadName, name)
		}
		return nil
	}
	msg, fds, err := receivePacket(ctx, fd, held)
	if err != nil {
		return capability.Message{}, err
	}
	if err := k.adopt(&msg, fds); err != nil {
		return capability.Message{}, err
	}
	return msg, nil
}

// adopt enters received descriptors into the namespace and rewrites the
// message's descriptor names to the local names. It takes ownership of
// fds.
func (k *Kernel) adopt(msg *capability.Message, fds []int) error {
	type classified struct {
		kind rightKind
		key  objectKey
		size uint64
		prot capability.Protection
	}
	rights := make([]classified, len(fds))
	for i, fd := range fds {
		kind, key, size, prot, err := classify(fd)
		if err == nil && kind.descriptorType() != msg.Descriptors[i].Type {
			err = fmt.Errorf("%w: descriptor %d declares %s but carries a %s right",
				capability.ErrProtocolViolation, i, msg.Descriptors[i].Type, kind.descriptorType())
		}
		if err != nil {
			closeAll(fds)
			return err
		}
		rights[i] = classified{kind: kind, key: key, size: size, prot: prot}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		closeAll(fds)
		return err
	}
	for i, fd := range fds {
		right := rights[i]
		msg.Descriptors[i].Name = k.insertLocked(fd, right.kind, right.key, right.size, right.prot)
	}
	return nil
}
