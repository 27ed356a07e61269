// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability defines the kernel capability service that the
// rendezvous protocol and the shared-region setup consume.
//
// The model is a port-rights kernel. A [Name] is a process-local handle
// for a right to an endpoint; the same endpoint usually has different
// names in different processes. An endpoint has exactly one receive
// right and any number of send rights. Messages carry an opaque body
// plus zero or more descriptors, each of which transfers a right from
// sender to receiver. Messages from one sender to one endpoint arrive in
// the order they were sent; the rendezvous protocol depends on that.
//
// Two rights are special per process: the task control right
// ([SpecialPorts.TaskSelf]), whose holder may map memory into the
// process's address space, and the bootstrap right
// ([SpecialPorts.Bootstrap]), which normally reaches the service
// directory and which a duplicated process inherits as it stood at the
// instant of duplication.
//
// Backends implement [Kernel]:
//
//   - simkernel: every task lives in one Go process. Used by tests to
//     run originator and replica in one binary, and by the CLI with
//     --kernel=sim.
//   - unixkernel (linux): rights are file descriptors passed with
//     SCM_RIGHTS, memory objects are memfd regions, duplication
//     re-executes the binary.
//
// Failures are reported as [*Error] values carrying a kind
// ([ErrEndpoint], [ErrMessageTransfer], [ErrDuplication],
// [ErrMemoryObject], [ErrRemoteMapping]) and a cause ([ErrTimeout],
// [ErrDeadName], ...). Backends return causes; callers of a kernel
// facility attach the kind at the call site with [Wrap].
package capability
