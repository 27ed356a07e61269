// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sharedregion

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/capability"
	"github.com/bureau-foundation/rendezvous/lib/capability/simkernel"
	"github.com/bureau-foundation/rendezvous/lib/testutil"
)

type pair struct {
	machine     *simkernel.Machine
	origin      *simkernel.Task
	replica     *simkernel.Task
	handle      capability.Replica
	replicaTask capability.Name
}

// newPair starts a replica that hands its task control right to the
// originator over the inherited bootstrap and then waits to be killed.
func newPair(t *testing.T, config simkernel.Config) *pair {
	t.Helper()
	machine, err := simkernel.New(config)
	if err != nil {
		t.Fatalf("simkernel.New: %v", err)
	}
	origin := machine.NewTask()
	anchor, err := origin.AllocateReceive()
	if err != nil {
		t.Fatalf("AllocateReceive: %v", err)
	}
	if err := origin.InsertSendRight(anchor); err != nil {
		t.Fatalf("InsertSendRight: %v", err)
	}
	if err := origin.SetBootstrap(anchor); err != nil {
		t.Fatalf("SetBootstrap: %v", err)
	}

	duplicator := &simkernel.Duplicator{Machine: machine, Entry: func(ctx context.Context, start capability.ReplicaStart) error {
		bootstrap, err := start.Kernel.Bootstrap()
		if err != nil {
			return err
		}
		self, err := start.Kernel.TaskSelf()
		if err != nil {
			return err
		}
		if err := start.Kernel.Send(ctx, bootstrap, capability.NewMessage("test.task",
			capability.PortDescriptor(self, capability.DispositionCopySend))); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}}
	handle, err := duplicator.Duplicate(context.Background(), origin)
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	t.Cleanup(func() { handle.Kill() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := origin.Receive(ctx, anchor)
	if err != nil {
		t.Fatalf("Receive task control right: %v", err)
	}
	return &pair{
		machine:     machine,
		origin:      origin,
		replica:     simkernel.TaskOf(handle),
		handle:      handle,
		replicaTask: msg.Descriptors[0].Name,
	}
}

func (p *pair) remoteBytes(t *testing.T, region *Region) []byte {
	t.Helper()
	data, err := p.replica.Memory(region.RemoteAddress(), region.Size())
	if err != nil {
		t.Fatalf("replica Memory at %v: %v", region.RemoteAddress(), err)
	}
	return data
}

func readSentinel(t *testing.T, data []byte) uint32 {
	t.Helper()
	sentinel, err := ReadSentinel(data)
	if err != nil {
		t.Fatalf("ReadSentinel: %v", err)
	}
	return sentinel
}

func TestEstablishSentinelVisibleInBoth(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin}

	regionsBefore := p.replica.Regions()
	region, err := setup.Establish(context.Background(), p.replicaTask, 8000)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if got, err := region.Sentinel(); err != nil || got != 42 {
		t.Errorf("local sentinel = %d, %v; want 42", got, err)
	}
	remote := p.remoteBytes(t, region)
	if got := readSentinel(t, remote); got != 42 {
		t.Errorf("remote sentinel = %d, want 42", got)
	}
	if p.replica.Regions() != regionsBefore+1 {
		t.Errorf("replica has %d regions, want %d", p.replica.Regions(), regionsBefore+1)
	}

	// Writes go both ways with no further calls.
	remote[region.Size()-1] = 0xAB
	if region.Bytes()[region.Size()-1] != 0xAB {
		t.Error("replica write not visible locally")
	}
}

func TestEstablishCustomSentinel(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin, Sentinel: 0xC0FFEE}
	region, err := setup.Establish(context.Background(), p.replicaTask, 1)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if got := readSentinel(t, p.remoteBytes(t, region)); got != 0xC0FFEE {
		t.Fatalf("remote sentinel = %#x", got)
	}
}

func TestEstablishRoundsSizeAndDoesNotAlias(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin}
	pageSize := p.origin.PageSize()

	for _, size := range []uint64{1, 4096, 4097} {
		first, err := setup.Establish(context.Background(), p.replicaTask, size)
		if err != nil {
			t.Fatalf("Establish(%d): %v", size, err)
		}
		second, err := setup.Establish(context.Background(), p.replicaTask, size)
		if err != nil {
			t.Fatalf("second Establish(%d): %v", size, err)
		}
		for _, region := range []*Region{first, second} {
			if region.Size() < size || region.Size()%pageSize != 0 {
				t.Errorf("Establish(%d) size = %d, want a page multiple >= %d", size, region.Size(), size)
			}
		}
		if first.LocalAddress() == second.LocalAddress() || first.RemoteAddress() == second.RemoteAddress() {
			t.Errorf("Establish(%d) twice returned the same address", size)
		}
		first.Bytes()[SentinelSize] = 1
		if second.Bytes()[SentinelSize] != 0 || p.remoteBytes(t, second)[SentinelSize] != 0 {
			t.Errorf("Establish(%d) regions alias each other", size)
		}
	}
}

func TestEstablishAllocationFailure(t *testing.T) {
	p := newPair(t, simkernel.Config{MemoryLimit: 2 * simkernel.DefaultPageSize})
	setup := &Setup{Kernel: p.origin}

	_, err := setup.Establish(context.Background(), p.replicaTask, 3*simkernel.DefaultPageSize)
	testutil.RequireErrorIs(t, err, capability.ErrMemoryObject, capability.ErrResourceShortage)
	if kind := capability.KindOf(err); kind != capability.ErrMemoryObject {
		t.Fatalf("KindOf = %v", kind)
	}
}

func TestEstablishRemoteMappingFailure(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin}
	p.handle.Kill()
	allocated := p.machine.Allocated()

	_, err := setup.Establish(context.Background(), p.replicaTask, 4096)
	testutil.RequireErrorIs(t, err, capability.ErrRemoteMapping, capability.ErrDeadName)
	if got := p.machine.Allocated(); got != allocated {
		t.Fatalf("Allocated = %d after failed Establish, want %d", got, allocated)
	}
}

func TestEstablishRequiresTaskControlRight(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin}
	endpoint, err := p.origin.AllocateReceive()
	if err != nil {
		t.Fatalf("AllocateReceive: %v", err)
	}
	if err := p.origin.InsertSendRight(endpoint); err != nil {
		t.Fatalf("InsertSendRight: %v", err)
	}

	_, err = setup.Establish(context.Background(), endpoint, 4096)
	testutil.RequireErrorIs(t, err, capability.ErrRemoteMapping, capability.ErrInvalidRight)
}

func TestEstablishRejectsZeroSize(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin}
	_, err := setup.Establish(context.Background(), p.replicaTask, 0)
	testutil.RequireErrorIs(t, err, capability.ErrMemoryObject, capability.ErrInvalidArgument)
}

func TestEstablishRejectsUnroundableSize(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin}
	before := p.machine.Allocated()
	for _, size := range []uint64{math.MaxUint64, math.MaxUint64 - 4094} {
		_, err := setup.Establish(context.Background(), p.replicaTask, size)
		testutil.RequireErrorIs(t, err, capability.ErrMemoryObject, capability.ErrInvalidArgument)
		if !strings.Contains(err.Error(), strconv.FormatUint(size, 10)) {
			t.Errorf("error %q does not name the requested size %d", err, size)
		}
	}
	if got := p.machine.Allocated(); got != before {
		t.Errorf("Allocated = %d, want %d", got, before)
	}
}

func TestReadSentinelShortData(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {1, 2, 3}} {
		if _, err := ReadSentinel(data); !errors.Is(err, capability.ErrInvalidArgument) {
			t.Errorf("ReadSentinel(%v) error = %v, want ErrInvalidArgument", data, err)
		}
	}
	var word [SentinelSize]byte
	binary.NativeEndian.PutUint32(word[:], 7)
	if got, err := ReadSentinel(word[:]); err != nil || got != 7 {
		t.Errorf("ReadSentinel = %d, %v; want 7", got, err)
	}
}

func TestRegionClose(t *testing.T) {
	p := newPair(t, simkernel.Config{})
	setup := &Setup{Kernel: p.origin}
	before := p.machine.Allocated()
	region, err := setup.Establish(context.Background(), p.replicaTask, 4096)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if err := region.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := region.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := p.machine.Allocated(); got != before {
		t.Fatalf("Allocated = %d after Close, want %d", got, before)
	}
	if _, err := region.Sentinel(); !errors.Is(err, capability.ErrInvalidArgument) {
		t.Errorf("Sentinel after Close error = %v, want ErrInvalidArgument", err)
	}
	// The replica's mapping outlives the originator's.
	if got := readSentinel(t, p.remoteBytes(t, region)); got != 42 {
		t.Fatalf("remote sentinel after Close = %d", got)
	}
}
