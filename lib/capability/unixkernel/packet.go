// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package unixkernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rendezvous/lib/capability"
)

const (
	// maxPacket bounds one encoded message. Messages in this package
	// carry a few small fields, so anything near the limit is a bug or
	// a hostile peer.
	maxPacket = 64 << 10

	// pollInterval is how often a blocked send or receive rechecks its
	// context and liveness condition.
	pollInterval = 50 * time.Millisecond
)

// sendPacket writes msg and the rights in fds as one packet. It blocks
// while the receiver's queue is full. fds remain owned by the caller.
func sendPacket(ctx context.Context, fd int, msg capability.Message, fds []int) error {
	data, err := capability.MarshalMessage(msg)
	if err != nil {
		return err
	}
	if len(data) > maxPacket {
		return fmt.Errorf("%w: %s message is %d bytes, limit %d",
			capability.ErrInvalidArgument, msg.Kind, len(data), maxPacket)
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	for {
		err := unix.Sendmsg(fd, data, oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := waitReady(ctx, fd, unix.POLLOUT, nil); err != nil {
				return err
			}
		default:
			return errnoError("sendmsg", err)
		}
	}
}

// receivePacket reads one packet and returns the message with the
// descriptors that arrived alongside it, in descriptor order. The
// caller owns the returned descriptors. live, when non-nil, is checked
// while waiting and aborts the wait when it returns an error.
func receivePacket(ctx context.Context, fd int, live func() error) (capability.Message, []int, error) {
	buffer := make([]byte, maxPacket)
	oob := make([]byte, unix.CmsgSpace(capability.MaxDescriptors*4))
	for {
		n, oobn, flags, _, err := unix.Recvmsg(fd, buffer, oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := waitReady(ctx, fd, unix.POLLIN, live); err != nil {
				return capability.Message{}, nil, err
			}
			continue
		default:
			return capability.Message{}, nil, errnoError("recvmsg", err)
		}

		fds, err := parseRights(oob[:oobn])
		if err != nil {
			return capability.Message{}, nil, err
		}
		if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
			closeAll(fds)
			return capability.Message{}, nil, fmt.Errorf("%w: packet truncated", capability.ErrProtocolViolation)
		}
		if n == 0 && len(fds) == 0 {
			return capability.Message{}, nil, fmt.Errorf("%w: every sender has gone", capability.ErrDeadName)
		}
		msg, err := capability.UnmarshalMessage(buffer[:n])
		if err != nil {
			closeAll(fds)
			return capability.Message{}, nil, err
		}
		if len(msg.Descriptors) != len(fds) {
			closeAll(fds)
			return capability.Message{}, nil, fmt.Errorf("%w: %s message declares %d descriptors, %d arrived",
				capability.ErrProtocolViolation, msg.Kind, len(msg.Descriptors), len(fds))
		}
		return msg, fds, nil
	}
}

// waitReady polls fd for events in pollInterval steps so that context
// cancellation and the live check are noticed promptly.
func waitReady(ctx context.Context, fd int, events int16, live func() error) error {
	pollTimeout := int(pollInterval / time.Millisecond)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if live != nil {
			if err := live(); err != nil {
				return err
			}
		}
		n, err := unix.Poll([]unix.PollFd{{Fd: int32(fd), Events: events}}, pollTimeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errnoError("poll", err)
		}
		if n > 0 {
			// Readiness, hangup, or error: the retried call reports
			// which.
			return nil
		}
	}
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing control message: %v", capability.ErrProtocolViolation, err)
	}
	var fds []int
	for i := range messages {
		if messages[i].Header.Level != unix.SOL_SOCKET || messages[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&messages[i])
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("%w: parsing rights: %v", capability.ErrProtocolViolation, err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// classify reports what kind of right a received descriptor carries.
func classify(fd int) (rightKind, objectKey, uint64, capability.Protection, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return 0, objectKey{}, 0, 0, errnoError("fstat", err)
	}
	key := objectKey{dev: uint64(stat.Dev), ino: stat.Ino}
	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFSOCK:
		socketType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		if err != nil {
			return 0, objectKey{}, 0, 0, errnoError("getsockopt", err)
		}
		switch socketType {
		case unix.SOCK_SEQPACKET:
			return rightEndpoint, key, 0, 0, nil
		case unix.SOCK_DGRAM:
			return rightTask, key, 0, 0, nil
		}
	case unix.S_IFREG:
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return 0, objectKey{}, 0, 0, errnoError("fcntl", err)
		}
		prot := capability.ProtRead
		if flags&unix.O_ACCMODE == unix.O_RDWR {
			prot = capability.ProtReadWrite
		}
		return rightMemory, key, uint64(stat.Size), prot, nil
	}
	return 0, objectKey{}, 0, 0, fmt.Errorf("%w: received descriptor of mode %#o is not a right",
		capability.ErrProtocolViolation, stat.Mode&unix.S_IFMT)
}

func objectOf(fd int) (objectKey, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return objectKey{}, errnoError("fstat", err)
	}
	return objectKey{dev: uint64(stat.Dev), ino: stat.Ino}, nil
}

func dupCloexec(fd int) (int, error) {
	duplicate, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, errnoError("dup", err)
	}
	return duplicate, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// errnoError attaches the capability cause that matches a system call
// failure. Both the cause and the errno stay reachable with errors.Is.
func errnoError(op string, err error) error {
	var cause error
	switch {
	case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENOTCONN):
		cause = capability.ErrDeadName
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOBUFS),
		errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOSPC):
		cause = capability.ErrResourceShortage
	case errors.Is(err, unix.EBADF):
		cause = capability.ErrInvalidName
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		cause = capability.ErrInvalidRight
	case errors.Is(err, unix.EINVAL):
		cause = capability.ErrInvalidArgument
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", cause, op, err)
}
