// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

const (
	kindMapRequest capability.MessageKind = "vm.map"
	kindMapReply   capability.MessageKind = "vm.map-reply"
)

// mapRequest is the body of a vm.map message. Its descriptors are the
// memory object and a reply right, in that order.
type mapRequest struct {
	Size    uint64                 `cbor:"1,keyasint"`
	Prot    capability.Protection  `cbor:"2,keyasint"`
	Inherit capability.Inheritance `cbor:"3,keyasint"`
}

// mapReply carries either the address of the new mapping in the
// serving process or a failure.
type mapReply struct {
	Address uint64 `cbor:"1,keyasint,omitempty"`
	Cause   string `cbor:"2,keyasint,omitempty"`
	Detail  string `cbor:"3,keyasint,omitempty"`
}

// causeCodes names the failure causes a reply can carry.
var causeCodes = []struct {
	code  string
	cause error
}{
	{"dead-name", capability.ErrDeadName},
	{"invalid-name", capability.ErrInvalidName},
	{"invalid-right", capability.ErrInvalidRight},
	{"invalid-argument", capability.ErrInvalidArgument},
	{"resource-shortage", capability.ErrResourceShortage},
	{"protocol-violation", capability.ErrProtocolViolation},
}

func causeCode(err error) string {
	for _, c := range causeCodes {
		if errors.Is(err, c.cause) {
			return c.code
		}
	}
	return "failure"
}

func causeError(code, detail string) error {
	for _, c := range causeCodes {
		if c.code == code {
			return fmt.Errorf("%w: task server: %s", c.cause, detail)
		}
	}
	return fmt.Errorf("task server: %s", detail)
}

// taskServer performs mappings in its process on behalf of holders of
// the task control right.
type taskServer struct {
	kernel *Kernel
	recvFD int
	sendFD int
	key    objectKey
	cancel context.CancelFunc
	done   chan struct{}
}

func startTaskServer(k *Kernel) (*taskServer, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errnoError("socketpair", err)
	}
	key, err := objectOf(fds[1])
	if err != nil {
		closeAll(fds[:])
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := &taskServer{
		kernel: k,
		recvFD: fds[0],
		sendFD: fds[1],
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go server.serve(ctx)
	return server, nil
}

func (s *taskServer) stop() {
	s.cancel()
	<-s.done
	unix.Close(s.recvFD)
	unix.Close(s.sendFD)
}

func (s *taskServer) serve(ctx context.Context) {
	defer close(s.done)
	for {
		request, fds, err := receivePacket(ctx, s.recvFD, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.kernel.logger.Warn("task server receive failed", "error", err)
			if errors.Is(err, capability.ErrDeadName) || errors.Is(err, capability.ErrInvalidName) {
				return
			}
			continue
		}
		s.handle(ctx, request, fds)
	}
}

func (s *taskServer) handle(ctx context.Context, request capability.Message, fds []int) {
	if err := request.Expect(kindMapRequest, 2); err != nil {
		closeAll(fds)
		s.kernel.logger.Warn("task server ignored request", "kind", request.Kind, "id", request.ID, "error", err)
		return
	}
	memoryFD, replyFD := fds[0], fds[1]
	defer unix.Close(replyFD)

	var reply mapReply
	address, err := s.mapRequested(request, memoryFD)
	if err != nil {
		unix.Close(memoryFD)
		reply.Cause = causeCode(err)
		reply.Detail = err.Error()
	} else {
		reply.Address = uint64(address)
	}

	response, err := capability.NewMessage(kindMapReply).WithBody(reply)
	if err == nil {
		err = sendPacket(ctx, replyFD, response, nil)
	}
	if err != nil {
		s.kernel.logger.Warn("task server reply failed", "id", request.ID, "error", err)
	}
}

// mapRequested takes ownership of memoryFD on success.
func (s *taskServer) mapRequested(request capability.Message, memoryFD int) (capability.Address, error) {
	var body mapRequest
	if err := request.DecodeBody(&body); err != nil {
		return 0, err
	}
	kind, _, objectSize, objectProt, err := classify(memoryFD)
	if err != nil {
		return 0, err
	}
	if kind != rightMemory {
		return 0, fmt.Errorf("%w: first descriptor is not a memory object", capability.ErrInvalidRight)
	}
	if body.Size == 0 || body.Size > objectSize || body.Size%s.kernel.pageSize != 0 {
		return 0, fmt.Errorf("%w: mapping %d bytes of a %d-byte object", capability.ErrInvalidArgument, body.Size, objectSize)
	}
	if body.Prot&^objectProt != 0 {
		return 0, fmt.Errorf("%w: mapping protection %v exceeds object protection %v",
			capability.ErrInvalidArgument, body.Prot, objectProt)
	}
	r, err := mapFile(memoryFD, body.Size, body.Prot, body.Inherit)
	if err != nil {
		return 0, err
	}
	if err := s.kernel.addRegion(r); err != nil {
		unix.Munmap(r.data)
		return 0, err
	}
	s.kernel.logger.Debug("memory mapped for remote holder", "address", r.address(), "size", body.Size, "inherit", body.Inherit)
	return r.address(), nil
}

// requestMap asks the task server behind taskFD to map objectFD and
// waits for its reply. Both descriptors remain owned by the caller.
func requestMap(ctx context.Context, taskFD, objectFD int, size uint64, prot capability.Protection, inherit capability.Inheritance) (capability.Address, error) {
	reply, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errnoError("socketpair", err)
	}
	defer unix.Close(reply[0])

	request, err := capability.NewMessage(kindMapRequest,
		capability.MemoryDescriptor(capability.NullName),
		capability.PortDescriptor(capability.NullName, capability.DispositionMakeSend),
	).WithBody(mapRequest{Size: size, Prot: prot, Inherit: inherit})
	if err != nil {
		unix.Close(reply[1])
		return 0, err
	}
	err = sendPacket(ctx, taskFD, request, []int{objectFD, reply[1]})
	// The server holds the only other send side now, so its exit
	// surfaces as end-of-stream on reply[0].
	unix.Close(reply[1])
	if err != nil {
		return 0, err
	}

	response, fds, err := receivePacket(ctx, reply[0], nil)
	if err != nil {
		return 0, err
	}
	closeAll(fds)
	if err := response.Expect(kindMapReply, 0); err != nil {
		return 0, err
	}
	var body mapReply
	if err := response.DecodeBody(&body); err != nil {
		return 0, err
	}
	if body.Cause != "" {
		return 0, causeError(body.Cause, body.Detail)
	}
	return capability.Address(body.Address), nil
}
