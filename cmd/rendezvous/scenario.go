// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/rendezvous/lib/capability"
	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/config"
	"github.com/bureau-foundation/rendezvous/lib/handoff"
	"github.com/bureau-foundation/rendezvous/lib/rendezvous"
	"github.com/bureau-foundation/rendezvous/lib/servicedir"
	"github.com/bureau-foundation/rendezvous/lib/sharedregion"
)

// statusService is the directory name of the originator's status
// endpoint.
const statusService = "rendezvous.status"

// KindStatusReport is the replica's report to the status endpoint.
const KindStatusReport capability.MessageKind = "rendezvous.status-report"

// statusReport is what the replica saw through its own mapping.
type statusReport struct {
	Address  capability.Address `cbor:"1,keyasint"`
	Sentinel uint32             `cbor:"2,keyasint"`
	Verified bool               `cbor:"3,keyasint"`
	Detail   string             `cbor:"4,keyasint,omitempty"`
}

// scenario is the fixed originator/replica exchange, parameterized by
// configuration.
type scenario struct {
	logger         *slog.Logger
	clock          clock.Clock
	receiveTimeout time.Duration
	regionSize     uint64
	sentinel       uint32
	pageSize       uint64
	memoryLimit    uint64
}

func newScenario(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*scenario, error) {
	timeout, err := cfg.ReceiveTimeout()
	if err != nil {
		return nil, err
	}
	size, err := cfg.RegionSize()
	if err != nil {
		return nil, err
	}
	limit, err := cfg.MemoryLimit()
	if err != nil {
		return nil, err
	}
	return &scenario{
		logger:         logger,
		clock:          clk,
		receiveTimeout: timeout,
		regionSize:     size,
		sentinel:       cfg.Region.Sentinel,
		pageSize:       cfg.Kernel.PageSize,
		memoryLimit:    limit,
	}, nil
}

// outcome summarizes a successful run on the originator side.
type outcome struct {
	replicaID     int
	size          uint64
	remoteAddress capability.Address
	sentinel      uint32
}

// originate runs the originator half. kernel must be the calling
// process's kernel with no bootstrap right of its own: the service
// directory becomes its true bootstrap.
func (s *scenario) originate(ctx context.Context, kernel capability.Kernel, duplicator capability.Duplicator) (*outcome, error) {
	logger := s.logger.With("role", rendezvous.RoleOriginator)

	directory, err := servicedir.NewServer(kernel, logger.With("component", "servicedir"))
	if err != nil {
		return nil, err
	}
	if err := kernel.SetBootstrap(directory.Port()); err != nil {
		directory.Close()
		return nil, capability.Wrap(capability.ErrEndpoint, "installing service directory as bootstrap", err)
	}
	serveContext, stopServing := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- directory.Serve(serveContext) }()
	defer func() {
		stopServing()
		if err := <-served; err != nil {
			logger.Warn("service directory stopped", "error", err)
		}
		directory.Close()
	}()

	status, err := kernel.AllocateReceive()
	if err != nil {
		return nil, capability.Wrap(capability.ErrEndpoint, "allocating status endpoint", err)
	}
	defer kernel.Deallocate(status)
	if err := kernel.InsertSendRight(status); err != nil {
		return nil, capability.Wrap(capability.ErrEndpoint, "inserting status send right", err)
	}
	if err := directory.Register(statusService, status); err != nil {
		return nil, err
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating handoff pipe: %w", err)
	}
	defer reader.Close()
	defer writer.Close()

	process, err := rendezvous.NewProcess(rendezvous.ProcessConfig{
		Kernel:         kernel,
		Clock:          s.clock,
		Logger:         logger,
		ReceiveTimeout: s.receiveTimeout,
	})
	if err != nil {
		return nil, err
	}
	session, err := process.Originate(ctx, duplicator, reader)
	if err != nil {
		return nil, err
	}
	replica := session.Replica
	defer kernel.Deallocate(session.ReplicaTask)
	logger = logger.With("replica", replica.ID())

	finished := false
	defer func() {
		if !finished {
			if err := replica.Kill(); err != nil {
				logger.Warn("killing replica", "error", err)
			}
		}
	}()

	setup := sharedregion.Setup{Kernel: kernel, Logger: logger, Sentinel: s.sentinel}
	region, err := setup.Establish(ctx, session.ReplicaTask, s.regionSize)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	record := handoff.Record{
		Address: region.RemoteAddress(),
		Size:    region.Size(),
		Digest:  handoff.DigestOf(region.Bytes()),
	}
	if err := handoff.Write(writer, record); err != nil {
		return nil, err
	}
	writer.Close()
	logger.Debug("region handed off", "remote_address", record.Address, "size", humanize.IBytes(record.Size))

	// A replica that fails exits without reporting; stop waiting for
	// the report as soon as it does.
	reportContext, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)
	exited := make(chan error, 1)
	go func() {
		err := replica.Wait(ctx)
		if err != nil {
			abandon(fmt.Errorf("replica %d failed: %w", replica.ID(), err))
		}
		exited <- err
	}()

	report, err := s.awaitReport(reportContext, kernel, status)
	if err != nil {
		if cause := context.Cause(reportContext); cause != nil && ctx.Err() == nil && !errors.Is(cause, context.Canceled) {
			return nil, cause
		}
		return nil, err
	}
	if err := <-exited; err != nil {
		return nil, fmt.Errorf("replica %d failed after reporting: %w", replica.ID(), err)
	}
	finished = true

	if !report.Verified {
		return nil, fmt.Errorf("replica could not verify the shared region: %s", report.Detail)
	}
	if report.Address != record.Address {
		return nil, fmt.Errorf("replica read the region at %v, handed off %v", report.Address, record.Address)
	}
	sentinel, err := region.Sentinel()
	if err != nil {
		return nil, err
	}
	if report.Sentinel != sentinel {
		return nil, fmt.Errorf("replica read sentinel %d, region holds %d", report.Sentinel, sentinel)
	}
	return &outcome{
		replicaID:     replica.ID(),
		size:          region.Size(),
		remoteAddress: region.RemoteAddress(),
		sentinel:      report.Sentinel,
	}, nil
}

// awaitReport receives the replica's status report, bounded by the
// receive timeout.
func (s *scenario) awaitReport(ctx context.Context, kernel capability.Kernel, status capability.Name) (statusReport, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := s.clock.AfterFunc(s.receiveTimeout, func() { cancel(capability.ErrTimeout) })
	defer timer.Stop()

	var report statusReport
	msg, err := kernel.Receive(ctx, status)
	if err != nil {
		if errors.Is(context.Cause(ctx), capability.ErrTimeout) {
			err = fmt.Errorf("%w after %v", capability.ErrTimeout, s.receiveTimeout)
		}
		return report, capability.Wrap(capability.ErrMessageTransfer, "receiving status report", err)
	}
	if err := msg.Expect(KindStatusReport, 0); err != nil {
		for _, descriptor := range msg.Descriptors {
			kernel.Deallocate(descriptor.Name)
		}
		return report, capability.Wrap(capability.ErrMessageTransfer, "receiving status report", err)
	}
	if err := msg.DecodeBody(&report); err != nil {
		return report, capability.Wrap(capability.ErrMessageTransfer, "decoding status report", err)
	}
	return report, nil
}

// replicate runs the replica half from the state the duplicator handed
// over: the anchor bootstrap right and the read end of the handoff
// pipe.
func (s *scenario) replicate(ctx context.Context, start capability.ReplicaStart) error {
	logger := s.logger.With("role", rendezvous.RoleReplica)
	if len(start.Files) != 1 {
		return fmt.Errorf("replica expects one inherited handoff pipe, got %d files", len(start.Files))
	}
	kernel := start.Kernel

	process, err := rendezvous.NewProcess(rendezvous.ProcessConfig{
		Kernel:         kernel,
		Clock:          s.clock,
		Logger:         logger,
		ReceiveTimeout: s.receiveTimeout,
	})
	if err != nil {
		return err
	}
	session, err := process.Replicate(ctx)
	if err != nil {
		return err
	}

	record, ok, err := handoff.Read(start.Files[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("originator closed the handoff pipe without sending a region")
	}
	report := statusReport{Address: record.Address}
	data, err := kernel.Memory(record.Address, record.Size)
	if err == nil {
		report.Sentinel, err = sharedregion.ReadSentinel(data)
	}
	if err == nil {
		err = record.Verify(data)
	}
	if err != nil {
		report.Detail = err.Error()
	} else {
		report.Verified = true
	}
	logger.Info("shared region read",
		"address", record.Address,
		"size", humanize.IBytes(record.Size),
		"sentinel", report.Sentinel,
		"verified", report.Verified,
	)

	status, err := servicedir.Lookup(ctx, kernel, session.Bootstrap, statusService)
	if err != nil {
		return err
	}
	defer kernel.Deallocate(status)
	msg, err := capability.NewMessage(KindStatusReport).WithBody(report)
	if err != nil {
		return err
	}
	if err := kernel.Send(ctx, status, msg); err != nil {
		return capability.Wrap(capability.ErrMessageTransfer, "sending status report", err)
	}
	return nil
}
