// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

// Config configures a Kernel.
type Config struct {
	// Logger receives debug records for rights and mappings. Nil
	// discards them.
	Logger *slog.Logger
}

type rightKind int

const (
	rightEndpoint rightKind = iota
	rightTask
	rightMemory
)

func (k rightKind) descriptorType() capability.DescriptorType {
	if k == rightMemory {
		return capability.DescriptorMemory
	}
	return capability.DescriptorPort
}

// objectKey identifies the kernel object behind a descriptor.
type objectKey struct {
	dev uint64
	ino uint64
}

// entry is one name in the namespace. For endpoints, sendFD is the
// socket senders write to; a receive right keeps it even with no send
// references so make-send and Identity work. For memory rights, sendFD
// is the memfd.
type entry struct {
	kind    rightKind
	key     objectKey
	receive bool
	recvFD  int
	sendFD  int
	sends   int

	// Memory rights only.
	size uint64
	prot capability.Protection
}

// Kernel is the capability kernel of the calling process. All methods
// are safe for concurrent use.
type Kernel struct {
	logger   *slog.Logger
	pageSize uint64

	mu        sync.Mutex
	names     map[capability.Name]*entry
	byObject  map[objectKey]capability.Name
	nextName  capability.Name
	bootstrap int // -1 when unset
	regions   map[capability.Address]*region
	closed    bool

	server *taskServer
}

var _ capability.Kernel = (*Kernel)(nil)

// New returns a Kernel for a process that has no bootstrap right.
func New(config Config) (*Kernel, error) {
	return newKernel(config, -1)
}

// newKernel takes ownership of bootstrapFD.
func newKernel(config Config, bootstrapFD int) (*Kernel, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	k := &Kernel{
		logger:    config.Logger,
		pageSize:  uint64(os.Getpagesize()),
		names:     make(map[capability.Name]*entry),
		byObject:  make(map[objectKey]capability.Name),
		nextName:  0x103,
		bootstrap: bootstrapFD,
		regions:   make(map[capability.Address]*region),
	}
	server, err := startTaskServer(k)
	if err != nil {
		if bootstrapFD >= 0 {
			unix.Close(bootstrapFD)
		}
		return nil, err
	}
	k.server = server
	return k, nil
}

// Close releases every right and region the Kernel holds and stops the
// task server. It has the effect of process exit on peers: endpoints
// whose receive right lived here die, and the task control right stops
// working. Later calls fail with ErrDeadName.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	names := k.names
	regions := k.regions
	bootstrap := k.bootstrap
	k.names = nil
	k.byObject = nil
	k.regions = nil
	k.bootstrap = -1
	k.mu.Unlock()

	k.server.stop()
	for _, e := range names {
		e.close()
	}
	for _, r := range regions {
		r.release()
	}
	if bootstrap >= 0 {
		unix.Close(bootstrap)
	}
	k.logger.Debug("kernel closed", "names", len(names), "regions", len(regions))
	return nil
}

func (e *entry) close() {
	if e.receive {
		unix.Close(e.recvFD)
	}
	unix.Close(e.sendFD)
}

func (k *Kernel) checkOpenLocked() error {
	if k.closed {
		return fmt.Errorf("%w: kernel has been closed", capability.ErrDeadName)
	}
	return nil
}

func (k *Kernel) lookupLocked(name capability.Name) (*entry, error) {
	if err := k.checkOpenLocked(); err != nil {
		return nil, err
	}
	e, ok := k.names[name]
	if !ok {
		return nil, fmt.Errorf("%w: %v", capability.ErrInvalidName, name)
	}
	return e, nil
}

func (k *Kernel) allocateNameLocked() capability.Name {
	name := k.nextName
	k.nextName += 4
	return name
}

// insertLocked adds one send reference for the object behind fd and
// takes ownership of fd. Endpoint and task rights coalesce with an
// existing name for the same socket; memory rights always get a fresh
// name because two entries for one file may differ in protection.
func (k *Kernel) insertLocked(fd int, kind rightKind, key objectKey, size uint64, prot capability.Protection) capability.Name {
	if kind != rightMemory {
		if name, ok := k.byObject[key]; ok {
			unix.Close(fd)
			k.names[name].sends++
			return name
		}
	}
	name := k.allocateNameLocked()
	k.names[name] = &entry{kind: kind, key: key, recvFD: -1, sendFD: fd, sends: 1, size: size, prot: prot}
	if kind != rightMemory {
		k.byObject[key] = name
	}
	return name
}

func (k *Kernel) removeLocked(name capability.Name, e *entry) {
	delete(k.names, name)
	if e.kind != rightMemory && k.byObject[e.key] == name {
		delete(k.byObject, e.key)
	}
}

// AllocateReceive implements capability.Ports.
func (k *Kernel) AllocateReceive() (capability.Name, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return capability.NullName, errnoError("socketpair", err)
	}
	key, err := objectOf(fds[1])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return capability.NullName, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return capability.NullName, err
	}
	name := k.allocateNameLocked()
	k.names[name] = &entry{kind: rightEndpoint, key: key, receive: true, recvFD: fds[0], sendFD: fds[1]}
	k.byObject[key] = name
	return name, nil
}

// InsertSendRight implements capability.Ports.
func (k *Kernel) InsertSendRight(name capability.Name) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupLocked(name)
	if err != nil {
		return err
	}
	if !e.receive {
		return fmt.Errorf("%w: %v is not a receive right", capability.ErrInvalidRight, name)
	}
	e.sends++
	return nil
}

// Deallocate implements capability.Ports. Releasing a receive right
// closes both ends of the socket pair held here; senders elsewhere see
// the endpoint as dead once their next write fails.
func (k *Kernel) Deallocate(name capability.Name) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupLocked(name)
	if err != nil {
		return err
	}
	if !e.receive {
		e.sends--
		if e.sends > 0 {
			return nil
		}
	}
	k.removeLocked(name, e)
	e.close()
	return nil
}

// Identity implements capability.Ports. It is the inode of the socket
// that send rights refer to, or of the memfd for memory rights.
func (k *Kernel) Identity(name capability.Name) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupLocked(name)
	if err != nil {
		return 0, err
	}
	return e.key.ino, nil
}

// TaskSelf implements capability.SpecialPorts.
func (k *Kernel) TaskSelf() (capability.Name, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		return capability.NullName, err
	}
	fd, err := dupCloexec(k.server.sendFD)
	if err != nil {
		return capability.NullName, err
	}
	return k.insertLocked(fd, rightTask, k.server.key, 0, 0), nil
}

// Bootstrap implements capability.SpecialPorts.
func (k *Kernel) Bootstrap() (capability.Name, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		return capability.NullName, err
	}
	if k.bootstrap < 0 {
		return capability.NullName, nil
	}
	key, err := objectOf(k.bootstrap)
	if err != nil {
		return capability.NullName, err
	}
	fd, err := dupCloexec(k.bootstrap)
	if err != nil {
		return capability.NullName, err
	}
	return k.insertLocked(fd, rightEndpoint, key, 0, 0), nil
}

// SetBootstrap implements capability.SpecialPorts. The Kernel keeps its
// own descriptor for the bootstrap right, so deallocating name
// afterwards does not unset it.
func (k *Kernel) SetBootstrap(name capability.Name) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		return err
	}
	fd := -1
	if name != capability.NullName {
		e, err := k.lookupLocked(name)
		if err != nil {
			return err
		}
		if e.kind != rightEndpoint || e.sends == 0 {
			return fmt.Errorf("%w: bootstrap must be a send right to an endpoint", capability.ErrInvalidRight)
		}
		fd, err = dupCloexec(e.sendFD)
		if err != nil {
			return err
		}
	}
	if k.bootstrap >= 0 {
		unix.Close(k.bootstrap)
	}
	k.bootstrap = fd
	return nil
}

// bootstrapDescriptor returns a duplicate of the bootstrap descriptor
// for handing to a replica, or -1 when no bootstrap is set.
func (k *Kernel) bootstrapDescriptor() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkOpenLocked(); err != nil {
		return -1, err
	}
	if k.bootstrap < 0 {
		return -1, nil
	}
	return dupCloexec(k.bootstrap)
}

// duplicateSend returns a private descriptor for the send side of name
// after checking the caller may send on it. The caller closes it.
func (k *Kernel) duplicateSend(name capability.Name, allowed ...rightKind) (int, *entry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupLocked(name)
	if err != nil {
		return -1, nil, err
	}
	if e.sends == 0 {
		return -1, nil, fmt.Errorf("%w: no send right for %v", capability.ErrInvalidRight, name)
	}
	permitted := false
	for _, kind := range allowed {
		permitted = permitted || e.kind == kind
	}
	if !permitted {
		return -1, nil, fmt.Errorf("%w: %v does not accept this operation", capability.ErrInvalidRight, name)
	}
	fd, err := dupCloexec(e.sendFD)
	if err != nil {
		return -1, nil, err
	}
	snapshot := *e
	return fd, &snapshot, nil
}
