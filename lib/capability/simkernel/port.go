// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simkernel

import (
	"sync"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

type portKind int

const (
	portMessage portKind = iota
	portTask
	portMemory
)

// port is a kernel object that rights refer to: a message endpoint, a
// task control endpoint, or a memory object handle.
type port struct {
	id   uint64
	kind portKind

	queue    chan envelope
	dead     chan struct{}
	deadOnce sync.Once

	task  *Task        // portTask
	entry *memoryEntry // portMemory
}

// envelope is a message in flight. rights[i] is the object transferred
// by descriptor i.
type envelope struct {
	data   []byte
	rights []*port
}

func (p *port) destroy() {
	p.deadOnce.Do(func() { close(p.dead) })
}

func (p *port) isDead() bool {
	select {
	case <-p.dead:
		return true
	default:
		return false
	}
}

func (p *port) descriptorType() capability.DescriptorType {
	if p.kind == portMemory {
		return capability.DescriptorMemory
	}
	return capability.DescriptorPort
}

// entry is one name in a task's namespace. A name may carry the
// receive right, send references, or both.
type entry struct {
	port    *port
	receive bool
	sends   int
}
