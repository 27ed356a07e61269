// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package unixkernel implements capability.Kernel on Linux with file
// descriptors as rights.
//
// An endpoint is an AF_UNIX SOCK_SEQPACKET socket pair: the receive
// right is one end, and every send right is a descriptor for the other
// end. Rights travel between processes as SCM_RIGHTS ancillary data
// next to the CBOR-encoded message. Because every send right for an
// endpoint refers to the same socket, the socket's inode identifies the
// endpoint across processes, and a process that receives a right it
// already holds gets the existing name back.
//
// Memory objects are memfd files. A memory entry is a descriptor for
// the file, opened read-only when the entry is read-only, so the
// kernel rather than this package enforces the protection of remote
// mappings.
//
// Linux has no call that maps memory into another process. Each Kernel
// therefore runs a task server: a goroutine that owns the receive end
// of a SOCK_DGRAM socket pair and performs mappings in its own address
// space when asked. The task control right is a send right to that
// socket. Holding it is what allows a peer to map memory into the
// process; the process takes no part beyond running the server, which
// it does from construction until Close.
//
// Process duplication is done by re-executing the binary (Spawner)
// because a Go program cannot safely fork. The replica receives its
// bootstrap right and any inherited files as numbered descriptors and
// rebuilds its Kernel with InheritedStart. InProcess runs a replica on
// a goroutine with its own Kernel, for tests and tools that want two
// namespaces in one process.
package unixkernel
