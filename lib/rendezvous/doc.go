// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous establishes a private channel between a process
// and a freshly duplicated copy of itself, and uses it to hand the
// originator the replica's task control right.
//
// A duplicated process starts with nothing in its namespace except the
// bootstrap right it inherited. The protocol borrows that slot: the
// originator installs a fresh endpoint E_o as its own bootstrap just
// before duplicating, so the replica's inherited bootstrap is a send
// right to E_o. The originator then restores its real bootstrap. The
// replica sends its task control right and a send right to its own
// endpoint E_r over E_o, in that order; the originator answers on E_r
// with the real bootstrap right, which the replica installs.
//
// Afterwards the originator holds the replica's task control right and
// both processes have the same bootstrap. Every receive is bounded by
// the Process's receive timeout measured on its clock, so a replica that
// dies mid-protocol turns into a MessageTransferError instead of a hang.
//
// A Process is the per-process context: kernel, clock, logger, timeout,
// and the true bootstrap right captured when the Process was created.
// Create it before anything changes the bootstrap.
package rendezvous
