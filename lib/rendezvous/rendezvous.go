// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/capability"
	"github.com/bureau-foundation/rendezvous/lib/clock"
)

// Message kinds of the protocol, in the order they are sent.
const (
	KindTaskControl     capability.MessageKind = "rendezvous.task-control"
	KindReplicaEndpoint capability.MessageKind = "rendezvous.replica-endpoint"
	KindBootstrap       capability.MessageKind = "rendezvous.bootstrap"
)

// DefaultReceiveTimeout bounds each receive when ProcessConfig leaves
// ReceiveTimeout zero.
const DefaultReceiveTimeout = 10 * time.Second

// Role says which side of a duplication a process is on.
type Role int

const (
	RoleOriginator Role = iota + 1
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RoleOriginator:
		return "originator"
	case RoleReplica:
		return "replica"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ProcessConfig configures a Process.
type ProcessConfig struct {
	// Kernel is the calling process's capability kernel. Required.
	Kernel capability.Kernel

	// Clock measures receive timeouts. Nil means the real clock.
	Clock clock.Clock

	// Logger receives protocol progress. Nil discards it.
	Logger *slog.Logger

	// ReceiveTimeout bounds every receive of the protocol. Zero means
	// DefaultReceiveTimeout.
	ReceiveTimeout time.Duration
}

// Process is the rendezvous context of one process. Its methods must
// not be called concurrently.
type Process struct {
	kernel         capability.Kernel
	clock          clock.Clock
	logger         *slog.Logger
	receiveTimeout time.Duration

	// bootstrap is this process's true bootstrap right. In a replica it
	// is the inherited right until Replicate installs the forwarded one.
	bootstrap capability.Name
}

// NewProcess captures the current bootstrap right as the process's true
// bootstrap and returns the context.
func NewProcess(config ProcessConfig) (*Process, error) {
	if config.Kernel == nil {
		return nil, fmt.Errorf("rendezvous: %w: kernel is required", capability.ErrInvalidArgument)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.ReceiveTimeout == 0 {
		config.ReceiveTimeout = DefaultReceiveTimeout
	}
	if config.ReceiveTimeout < 0 {
		return nil, fmt.Errorf("rendezvous: %w: negative receive timeout %v", capability.ErrInvalidArgument, config.ReceiveTimeout)
	}
	bootstrap, err := config.Kernel.Bootstrap()
	if err != nil {
		return nil, capability.Wrap(capability.ErrEndpoint, "capturing bootstrap right", err)
	}
	return &Process{
		kernel:         config.Kernel,
		clock:          config.Clock,
		logger:         config.Logger,
		receiveTimeout: config.ReceiveTimeout,
		bootstrap:      bootstrap,
	}, nil
}

// Kernel returns the process's kernel.
func (p *Process) Kernel() capability.Kernel { return p.kernel }

// Bootstrap returns the process's true bootstrap right.
func (p *Process) Bootstrap() capability.Name { return p.bootstrap }

// Session is the outcome of a completed rendezvous. Fields that do not
// apply to the role are zero.
type Session struct {
	Role Role

	// ReplicaTask is the originator's name for the replica's task
	// control right.
	ReplicaTask capability.Name

	// Replica is the originator's handle on the replica process.
	Replica capability.Replica

	// Bootstrap is the replica's name for the bootstrap right it
	// received from the originator, now installed as its bootstrap.
	Bootstrap capability.Name
}

// Originate duplicates the process through duplicator and runs the
// originator half of the protocol. inherited files are passed to the
// replica as they are.
//
// On any failure after the duplication succeeds, the replica is killed
// so that it does not stay blocked on an endpoint nobody will answer.
// The process's bootstrap is the true bootstrap again whenever
// Originate returns.
func (p *Process) Originate(ctx context.Context, duplicator capability.Duplicator, inherited ...*os.File) (*Session, error) {
	if p.bootstrap == capability.NullName {
		return nil, capability.Wrap(capability.ErrEndpoint, "originating rendezvous",
			fmt.Errorf("%w: process has no bootstrap right to forward", capability.ErrInvalidName))
	}

	anchor, err := p.kernel.AllocateReceive()
	if err != nil {
		return nil, capability.Wrap(capability.ErrEndpoint, "allocating rendezvous endpoint", err)
	}
	releaseAnchor := func() {
		if err := p.kernel.Deallocate(anchor); err != nil {
			p.logger.Warn("releasing rendezvous endpoint failed", "name", anchor, "error", err)
		}
	}
	if err := p.kernel.InsertSendRight(anchor); err != nil {
		releaseAnchor()
		return nil, capability.Wrap(capability.ErrEndpoint, "inserting send right for rendezvous endpoint", err)
	}
	if err := p.kernel.SetBootstrap(anchor); err != nil {
		releaseAnchor()
		return nil, capability.Wrap(capability.ErrEndpoint, "installing rendezvous endpoint as bootstrap", err)
	}

	replica, duplicateErr := duplicator.Duplicate(ctx, p.kernel, inherited...)
	restoreErr := p.kernel.SetBootstrap(p.bootstrap)
	if duplicateErr != nil {
		releaseAnchor()
		if restoreErr != nil {
			p.logger.Error("restoring bootstrap after failed duplication", "error", restoreErr)
		}
		return nil, capability.Wrap(capability.ErrDuplication, "duplicating process", duplicateErr)
	}
	logger := p.logger.With("role", RoleOriginator, "replica", replica.ID())
	fail := func(err error) (*Session, error) {
		if killErr := replica.Kill(); killErr != nil {
			logger.Warn("killing replica after failed rendezvous", "error", killErr)
		}
		releaseAnchor()
		return nil, err
	}
	if restoreErr != nil {
		return fail(capability.Wrap(capability.ErrEndpoint, "restoring bootstrap", restoreErr))
	}
	logger.Debug("replica started, awaiting task control right", "endpoint", anchor)

	taskControl, err := p.receiveRight(ctx, anchor, KindTaskControl)
	if err != nil {
		return fail(err)
	}
	replicaEndpoint, err := p.receiveRight(ctx, anchor, KindReplicaEndpoint)
	if err != nil {
		p.release(taskControl)
		return fail(err)
	}

	forward := capability.NewMessage(KindBootstrap, capability.PortDescriptor(p.bootstrap, capability.DispositionCopySend))
	if err := p.kernel.Send(ctx, replicaEndpoint, forward); err != nil {
		p.release(taskControl)
		p.release(replicaEndpoint)
		return fail(capability.Wrap(capability.ErrMessageTransfer, "forwarding bootstrap right", err))
	}
	logger.Debug("bootstrap right forwarded", "message_id", forward.ID)

	releaseAnchor()
	p.release(replicaEndpoint)
	logger.Info("rendezvous complete", "replica_task", taskControl)
	return &Session{Role: RoleOriginator, ReplicaTask: taskControl, Replica: replica}, nil
}

// Replicate runs the replica half of the protocol. It must be the first
// use of the bootstrap right in a process created by Originate's
// duplicator, with p created in that process.
func (p *Process) Replicate(ctx context.Context) (*Session, error) {
	anchor := p.bootstrap
	if anchor == capability.NullName {
		return nil, capability.Wrap(capability.ErrEndpoint, "reading inherited bootstrap",
			fmt.Errorf("%w: replica inherited no bootstrap right", capability.ErrInvalidName))
	}
	logger := p.logger.With("role", RoleReplica)

	endpoint, err := p.kernel.AllocateReceive()
	if err != nil {
		return nil, capability.Wrap(capability.ErrEndpoint, "allocating replica endpoint", err)
	}
	if err := p.kernel.InsertSendRight(endpoint); err != nil {
		p.release(endpoint)
		return nil, capability.Wrap(capability.ErrEndpoint, "inserting send right for replica endpoint", err)
	}
	self, err := p.kernel.TaskSelf()
	if err != nil {
		p.release(endpoint)
		return nil, capability.Wrap(capability.ErrEndpoint, "reading task control right", err)
	}

	taskControl := capability.NewMessage(KindTaskControl, capability.PortDescriptor(self, capability.DispositionCopySend))
	if err := p.kernel.Send(ctx, anchor, taskControl); err != nil {
		p.release(endpoint)
		return nil, capability.Wrap(capability.ErrMessageTransfer, "sending task control right", err)
	}
	replicaEndpoint := capability.NewMessage(KindReplicaEndpoint, capability.PortDescriptor(endpoint, capability.DispositionMakeSend))
	if err := p.kernel.Send(ctx, anchor, replicaEndpoint); err != nil {
		p.release(endpoint)
		return nil, capability.Wrap(capability.ErrMessageTransfer, "sending replica endpoint", err)
	}
	logger.Debug("rights sent, awaiting bootstrap", "task_control_id", taskControl.ID, "endpoint_id", replicaEndpoint.ID)

	bootstrap, err := p.receiveRight(ctx, endpoint, KindBootstrap)
	if err != nil {
		p.release(endpoint)
		return nil, err
	}
	if err := p.kernel.SetBootstrap(bootstrap); err != nil {
		p.release(endpoint)
		return nil, capability.Wrap(capability.ErrEndpoint, "installing forwarded bootstrap", err)
	}

	p.release(endpoint)
	p.release(anchor)
	p.bootstrap = bootstrap
	logger.Info("bootstrap restored", "bootstrap", bootstrap)
	return &Session{Role: RoleReplica, Bootstrap: bootstrap}, nil
}

// receiveRight receives one message of the given kind carrying one
// right on name and returns the right. The wait ends after the receive
// timeout on p's clock.
func (p *Process) receiveRight(ctx context.Context, name capability.Name, kind capability.MessageKind) (capability.Name, error) {
	op := fmt.Sprintf("receiving %s", kind)
	msg, err := p.receive(ctx, name)
	if err != nil {
		return capability.NullName, capability.Wrap(capability.ErrMessageTransfer, op, err)
	}
	if err := msg.Expect(kind, 1); err != nil {
		for _, descriptor := range msg.Descriptors {
			p.release(descriptor.Name)
		}
		return capability.NullName, capability.Wrap(capability.ErrMessageTransfer, op, err)
	}
	if msg.Descriptors[0].Type != capability.DescriptorPort {
		p.release(msg.Descriptors[0].Name)
		return capability.NullName, capability.Wrap(capability.ErrMessageTransfer, op,
			fmt.Errorf("%w: %s carries a %s right", capability.ErrProtocolViolation, kind, msg.Descriptors[0].Type))
	}
	p.logger.Debug("rendezvous message received", "kind", kind, "message_id", msg.ID, "right", msg.Descriptors[0].Name)
	return msg.Descriptors[0].Name, nil
}

func (p *Process) receive(ctx context.Context, name capability.Name) (capability.Message, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := p.clock.AfterFunc(p.receiveTimeout, func() { cancel(capability.ErrTimeout) })
	defer timer.Stop()

	msg, err := p.kernel.Receive(ctx, name)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, capability.ErrTimeout) {
			return capability.Message{}, fmt.Errorf("%w after %v", capability.ErrTimeout, p.receiveTimeout)
		}
		return capability.Message{}, err
	}
	return msg, nil
}

func (p *Process) release(name capability.Name) {
	if err := p.kernel.Deallocate(name); err != nil {
		p.logger.Warn("releasing right failed", "name", name, "error", err)
	}
}
