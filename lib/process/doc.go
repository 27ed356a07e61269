// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. These functions
// centralize the two raw I/O patterns that exist before or after the
// structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
//
// The exit status is decided here and only here: [ExitCode] maps the
// capability failure kind carried by an error to a distinct status so
// scripts can tell which step of the rendezvous failed without parsing
// stderr.
package process
