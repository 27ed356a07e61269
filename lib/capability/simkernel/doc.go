// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package simkernel is an in-memory implementation of the capability
// kernel in which every process is a [Task] inside one [Machine].
//
// It exists so the two halves of a rendezvous can run in one test
// binary with full control over failure: a test can kill a replica
// between two sends, exhaust memory, or hand the originator rights in
// the wrong order, and then observe exactly what the other side sees.
//
// Semantics follow a port-rights kernel:
//
//   - Each task has its own namespace. Receiving a right to an endpoint
//     the task already names reuses that name and adds a reference.
//   - An endpoint's queue is a bounded FIFO. Messages from one sender
//     arrive in send order.
//   - Deallocating a receive right, or the death of the task holding
//     it, destroys the endpoint. Blocked and future senders and
//     receivers get capability.ErrDeadName.
//   - Memory objects are shared byte slices. Every mapping of one
//     object, in any task, aliases the same bytes.
//   - Duplication copies the parent's address space according to each
//     mapping's inheritance and gives the child the parent's current
//     bootstrap right and nothing else from the parent's namespace.
//
// Messages are encoded with capability.MarshalMessage on send and
// decoded on receive, so the wire schema is exercised even though no
// bytes leave the process.
package simkernel
