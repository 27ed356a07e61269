// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simkernel

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

const (
	// DefaultPageSize matches the common 4 KiB page.
	DefaultPageSize = 4096

	// DefaultQueueLimit is the number of messages an endpoint buffers
	// before senders block.
	DefaultQueueLimit = 5
)

// Config configures a Machine. Zero fields take defaults.
type Config struct {
	// PageSize is the allocation granularity. Must be a power of two.
	PageSize uint64

	// MemoryLimit caps the bytes all tasks together may allocate. Zero
	// means no limit.
	MemoryLimit uint64

	// QueueLimit is the per-endpoint message buffer.
	QueueLimit int

	// Logger receives debug records for task lifecycle events. Nil
	// discards them.
	Logger *slog.Logger
}

// Machine is one simulated kernel. Tasks created from the same Machine
// can exchange rights; tasks from different Machines cannot.
type Machine struct {
	pageSize    uint64
	memoryLimit uint64
	queueLimit  int
	logger      *slog.Logger

	mu         sync.Mutex
	nextPortID uint64
	nextTaskID int
	allocated  uint64
}

// New returns a Machine with no tasks.
func New(config Config) (*Machine, error) {
	if config.PageSize == 0 {
		config.PageSize = DefaultPageSize
	}
	if config.PageSize&(config.PageSize-1) != 0 {
		return nil, fmt.Errorf("simkernel: page size %d is not a power of two", config.PageSize)
	}
	if config.QueueLimit <= 0 {
		config.QueueLimit = DefaultQueueLimit
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		pageSize:    config.PageSize,
		memoryLimit: config.MemoryLimit,
		queueLimit:  config.QueueLimit,
		logger:      config.Logger,
		nextTaskID:  1,
	}, nil
}

// NewTask creates a process with an empty namespace, an empty address
// space and no bootstrap right.
func (m *Machine) NewTask() *Task {
	m.mu.Lock()
	id := m.nextTaskID
	m.nextTaskID++
	m.mu.Unlock()

	task := newTask(m, id)
	m.logger.Debug("task created", "task", id)
	return task
}

// Allocated returns the bytes currently allocated across all tasks.
func (m *Machine) Allocated() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

func (m *Machine) newPort(kind portKind) *port {
	m.mu.Lock()
	m.nextPortID++
	id := m.nextPortID
	m.mu.Unlock()

	p := &port{id: id, kind: kind, dead: make(chan struct{})}
	if kind == portMessage {
		p.queue = make(chan envelope, m.queueLimit)
	}
	return p
}

func (m *Machine) reserve(size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memoryLimit != 0 && m.allocated+size > m.memoryLimit {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			capability.ErrResourceShortage, size, m.allocated, m.memoryLimit)
	}
	m.allocated += size
	return nil
}

func (m *Machine) release(size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocated -= size
}
